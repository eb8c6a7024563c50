package app_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"usermetrics/internal/app"
)

const replay = `{"status":"OK","data":[
	{"id":1,"firstname":"Alice","lastname":"A","email":"alice@gmail.com","phone":"+49",
	 "birthday":"1950-02-03","gender":"female",
	 "address":{"street":"Main 1","city":"Berlin","zipcode":"10115","country":"Germany","country_code":"DE","latitude":52.5,"longitude":13.4}},
	{"id":2,"firstname":"Bob","lastname":"B","email":"bob@gmail.com","phone":"+33",
	 "birthday":"1990-07-08","gender":"male",
	 "address":{"street":"Rue 2","city":"Lyon","zipcode":"69001","country":"France","country_code":"FR","latitude":45.7,"longitude":4.8}},
	{"id":3,"firstname":"Carol","lastname":"C","email":"carol@yahoo.com","phone":"+49",
	 "birthday":"1980-01-01","gender":"female",
	 "address":{"street":"Weg 3","city":"Hamburg","zipcode":"20095","country":"Germany","country_code":"DE","latitude":53.5,"longitude":10.0}}
]}`

func baseArgs(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	replayFile := filepath.Join(dir, "persons.json")
	require.NoError(t, os.WriteFile(replayFile, []byte(replay), 0o644))
	return []string{
		"--replay-file", replayFile,
		"--raw-path", filepath.Join(dir, "raw"),
		"--db-path", filepath.Join(dir, "db", "user_metrics.db"),
		"--log-level", "error",
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := app.Execute(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func TestExecute_RunRunsAndReports(t *testing.T) {
	base := baseArgs(t)

	out, err := execute(t, append([]string{"run", "--date", "2024-01-01"}, base...)...)
	require.NoError(t, err)
	require.Contains(t, out, "ingest")
	require.Contains(t, out, "load")
	require.Contains(t, out, "success")

	_, err = execute(t, append([]string{"run", "--date", "2024-01-01"}, base...)...)
	require.NoError(t, err)

	out, err = execute(t, append([]string{"runs", "--limit", "10"}, base...)...)
	require.NoError(t, err)
	require.Contains(t, out, "2024-01-01")
	require.Contains(t, out, "ingest")

	out, err = execute(t, append([]string{"report"}, base...)...)
	require.NoError(t, err)
	require.Contains(t, out, "== germany_gmail_percentage ==")
	require.Contains(t, out, "50")
	require.Contains(t, out, "== top_gmail_countries ==")
	require.Contains(t, out, "France")
	require.Contains(t, out, "== over60_gmail_users ==")

	out, err = execute(t, append([]string{"cleanup"}, base...)...)
	require.NoError(t, err)
	require.Contains(t, out, "pruned 0 metadata entries")
}

func TestExecute_PhasesSeparately(t *testing.T) {
	base := baseArgs(t)

	_, err := execute(t, append([]string{"transform", "--date", "2024-02-02"}, base...)...)
	require.Error(t, err)

	out, err := execute(t, append([]string{"ingest", "--date", "2024-02-02"}, base...)...)
	require.NoError(t, err)
	require.Contains(t, out, "persons.parquet")

	out, err = execute(t, append([]string{"load", "--date", "2024-02-02"}, base...)...)
	require.NoError(t, err)
	require.Contains(t, out, "persons_anonymized")
}

func TestExecute_Errors(t *testing.T) {
	base := baseArgs(t)

	_, err := execute(t, append([]string{"ingest", "--date", "02/02/2024"}, base...)...)
	require.Error(t, err)

	_, err = execute(t, append([]string{"ingest", "--max-retries", "0"}, base...)...)
	require.Error(t, err)

	_, err = execute(t, append([]string{"report", "no_such_report"}, base...)...)
	require.Error(t, err)
}

func TestExecute_ConfigFile(t *testing.T) {
	base := baseArgs(t)
	cfg := filepath.Join(t.TempDir(), "usermetrics.toml")
	require.NoError(t, os.WriteFile(cfg, []byte("table = \"people\"\n"), 0o644))

	out, err := execute(t, append([]string{"run", "--date", "2024-01-01", "--config", cfg}, base...)...)
	require.NoError(t, err)
	require.Contains(t, out, "people")

	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("no_such_option = 1\n"), 0o644))
	_, err = execute(t, append([]string{"runs", "--config", bad}, base...)...)
	require.Error(t, err)
}
