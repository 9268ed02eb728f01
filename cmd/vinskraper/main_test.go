package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snublejuice/vinskraper/pkg/types"
)

func TestParseIndexes(t *testing.T) {
	ids, err := parseIndexes([]string{"12", "7001", "12"})
	require.NoError(t, err)
	assert.Equal(t, []int64{12, 7001, 12}, ids)

	ids, err = parseIndexes(nil)
	require.NoError(t, err)
	assert.Empty(t, ids)

	for _, bad := range []string{"abc", "0", "-4", "1.5"} {
		_, err := parseIndexes([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestRootCommands(t *testing.T) {
	root := cmdRoot()
	for _, name := range []string{"harvest", "details", "availability", "stores", "discounts", "serve"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	shops, _, err := root.Find([]string{"shops"})
	require.NoError(t, err)
	assert.Equal(t, "stores", shops.Name())

	details, _, err := root.Find([]string{"details"})
	require.NoError(t, err)
	assert.NotNil(t, details.Flags().Lookup("all"))
	discounts, _, err := root.Find([]string{"discounts"})
	require.NoError(t, err)
	assert.NotNil(t, discounts.Flags().Lookup("force"))
}

func TestDetailsRejectsAllWithIndexes(t *testing.T) {
	t.Setenv("VINSKRAPER_STORE", "postgres")
	t.Setenv("VINSKRAPER_PG_DSN", "postgres://unused")
	root := cmdRoot()
	root.SetArgs([]string{"--env-file", t.TempDir() + "/missing.env", "details", "--all", "42"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--all")
}

func TestJobsCommands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/jobs":
			_ = json.NewEncoder(w).Encode(types.JobList{Kind: types.KindJobList, Items: []types.JobStatus{
				{Name: "harvest", Interval: "24h0m0s", InProgress: true, SuccessfulRuns: 2},
				{Name: "shops", Interval: "168h0m0s", FailedRuns: 1, LastError: "store list is empty"},
			}})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/jobs/harvest/trigger":
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(types.JobTrigger{Kind: types.KindJobTrigger, Status: types.JobStatus{Name: "harvest", Pending: true}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		root := cmdRoot()
		root.SetOut(&out)
		root.SetArgs(append([]string{"--env-file", t.TempDir() + "/missing.env"}, args...))
		err := root.Execute()
		return out.String(), err
	}

	out, err := run("jobs", "--server", srv.URL, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "harvest")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "store list is empty")

	out, err = run("jobs", "--server", srv.URL, "trigger", "harvest")
	require.NoError(t, err)
	assert.Contains(t, out, "already queued")

	_, err = run("jobs", "--server", srv.URL, "trigger", "prices")
	require.Error(t, err)
}
