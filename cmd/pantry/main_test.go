package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"

	"github.com/hyperengineering/pantry/internal/app"
	"github.com/hyperengineering/pantry/internal/docserver"
	"github.com/hyperengineering/pantry/internal/types"
)

// newTestBackend serves pantryd in-process and returns a config file that
// points the CLI at it.
func newTestBackend(t *testing.T) (srv *httptest.Server, cfgPath string) {
	t.Helper()
	dir := t.TempDir()

	db, err := docserver.OpenDB(filepath.Join(dir, "pantryd.db"))
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h, err := docserver.New(db, docserver.Config{
		Project:    "pantry",
		JWTSecret:  "test-secret",
		BcryptCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("docserver.New() error = %v", err)
	}
	srv = httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfgPath = filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf(`
remote:
  endpoint: %s
  request_timeout: 2s
replication:
  retry_base_delay: 20ms
  retry_max_delay: 100ms
  pull_interval: 50ms
  probe_interval: 20ms
  probe_timeout: 1s
local:
  path: %s
log:
  level: error
`, srv.URL, filepath.Join(dir, "client", "pantry.db"))
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PANTRY_CONFIG_PATH", "")
	return srv, cfgPath
}

// resetFlags clears parsed flag state left by a previous Execute.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) { f.Changed = false }
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// executeCmd runs the CLI with captured output.
func executeCmd(t *testing.T, ctx context.Context, cfgPath, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	// Cobra parses into package-level variables; reset them between runs.
	configPath = ""
	offline = false
	jsonOutput = false
	recipeIngredients = nil
	recipeName = ""
	listRecipes = nil
	accountEmail = ""
	accountName = ""
	accountPassword = ""
	resetFlags(rootCmd)

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)
	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append(args, "--config", cfgPath))

	err = rootCmd.ExecuteContext(ctx)

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetIn(nil)
	rootCmd.SetArgs(nil)
	return outBuf.String(), errBuf.String(), err
}

func mustRun(t *testing.T, cfgPath string, args ...string) string {
	t.Helper()
	out, stderr, err := executeCmd(t, context.Background(), cfgPath, "", args...)
	if err != nil {
		t.Fatalf("pantry %s: %v\nstderr: %s", strings.Join(args, " "), err, stderr)
	}
	return out
}

func decodeJSON[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	return v
}

func TestCLI_RecipeAndListWorkflow(t *testing.T) {
	_, cfg := newTestBackend(t)

	// Given a registered user
	out := mustRun(t, cfg, "register", "--email", "cook@example.com", "--password", "correct horse", "--name", "Cook")
	if !strings.Contains(out, "Logged in as cook@example.com (Cook)") {
		t.Errorf("register output = %q", out)
	}

	// When recipes and a list are created online
	soup := decodeJSON[types.Recipe](t, mustRun(t, cfg, "recipe", "add", "Soup", "-i", "water", "-i", "salt", "--json"))
	if soup.ID == "" || !reflect.DeepEqual(soup.Ingredients, []string{"water", "salt"}) {
		t.Fatalf("created recipe = %+v", soup)
	}
	stew := decodeJSON[types.Recipe](t, mustRun(t, cfg, "recipe", "add", "Stew", "-i", "salt", "-i", "beef", "--json"))

	list := decodeJSON[types.ShoppingList](t, mustRun(t, cfg, "list", "add", "Week", "-r", soup.ID, "-r", stew.ID, "--json"))
	if want := []string{"water", "salt", "beef"}; !reflect.DeepEqual(list.Items, want) {
		t.Errorf("list items = %v, want %v", list.Items, want)
	}

	// Then they are listed
	out = mustRun(t, cfg, "recipe", "list")
	if !strings.Contains(out, "Soup") || !strings.Contains(out, "Stew") {
		t.Errorf("recipe list = %q", out)
	}
	out = mustRun(t, cfg, "list", "show", list.ID)
	if !strings.Contains(out, "water, salt, beef") {
		t.Errorf("list show = %q", out)
	}

	// And an edit keeps unspecified fields
	edited := decodeJSON[types.Recipe](t, mustRun(t, cfg, "recipe", "edit", soup.ID, "--name", "Tomato Soup", "--json"))
	if edited.Name != "Tomato Soup" || !reflect.DeepEqual(edited.Ingredients, []string{"water", "salt"}) {
		t.Errorf("edited recipe = %+v", edited)
	}

	mustRun(t, cfg, "recipe", "rm", stew.ID)
	listed := decodeJSON[struct {
		Recipes []types.Recipe `json:"recipes"`
		Total   int            `json:"total"`
	}](t, mustRun(t, cfg, "recipe", "list", "--json"))
	if listed.Total != 1 || listed.Recipes[0].ID != soup.ID {
		t.Errorf("recipes after rm = %+v", listed)
	}
}

func TestCLI_OfflineWriteThenSync(t *testing.T) {
	_, cfg := newTestBackend(t)
	mustRun(t, cfg, "register", "--email", "cook@example.com", "--password", "correct horse")

	// Given a recipe created offline
	chili := decodeJSON[types.Recipe](t, mustRun(t, cfg, "--offline", "recipe", "add", "Chili", "-i", "beans", "--json"))

	st := decodeJSON[app.Status](t, mustRun(t, cfg, "status", "--json"))
	if st.Store.PendingOutbox != 1 {
		t.Fatalf("pending = %d, want 1", st.Store.PendingOutbox)
	}

	// When syncing
	mustRun(t, cfg, "sync")

	// Then nothing is pending and the recipe reads back locally
	st = decodeJSON[app.Status](t, mustRun(t, cfg, "status", "--json"))
	if st.Store.PendingOutbox != 0 {
		t.Errorf("pending after sync = %d, want 0", st.Store.PendingOutbox)
	}
	got := decodeJSON[types.Recipe](t, mustRun(t, cfg, "--offline", "recipe", "show", chili.ID, "--json"))
	if got.Name != "Chili" {
		t.Errorf("recipe = %+v", got)
	}

	// And syncing offline is refused
	_, _, err := executeCmd(t, context.Background(), cfg, "", "--offline", "sync")
	if !errors.Is(err, types.ErrOffline) {
		t.Errorf("offline sync error = %v, want ErrOffline", err)
	}
}

func TestCLI_UnreachableRemoteFallsBackOffline(t *testing.T) {
	srv, cfg := newTestBackend(t)
	mustRun(t, cfg, "register", "--email", "cook@example.com", "--password", "correct horse")
	srv.Close()

	r := decodeJSON[types.Recipe](t, mustRun(t, cfg, "recipe", "add", "Toast", "-i", "bread", "--json"))
	if r.ID == "" {
		t.Fatal("recipe not created")
	}
	st := decodeJSON[app.Status](t, mustRun(t, cfg, "status", "--json"))
	if st.Online || st.Store.PendingOutbox != 1 {
		t.Errorf("status = online %v, pending %d; want offline with 1 pending", st.Online, st.Store.PendingOutbox)
	}
}

func TestCLI_Watch(t *testing.T) {
	_, cfg := newTestBackend(t)
	mustRun(t, cfg, "register", "--email", "cook@example.com", "--password", "correct horse")
	mustRun(t, cfg, "--offline", "recipe", "add", "Chili", "-i", "beans")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	out, stderr, err := executeCmd(t, ctx, cfg, "", "watch", "--json")
	if err != nil {
		t.Fatalf("watch: %v\nstderr: %s", err, stderr)
	}

	// The final status follows the banner line.
	_, body, _ := strings.Cut(out, "\n")
	st := decodeJSON[app.Status](t, body)
	if st.Store.PendingOutbox != 0 {
		t.Errorf("pending after watch = %d, want 0", st.Store.PendingOutbox)
	}
}

func TestCLI_LoginLogoutWhoami(t *testing.T) {
	_, cfg := newTestBackend(t)
	mustRun(t, cfg, "register", "--email", "cook@example.com", "--password", "correct horse")
	mustRun(t, cfg, "logout")

	out := mustRun(t, cfg, "whoami")
	if !strings.Contains(out, "Not logged in.") {
		t.Errorf("whoami after logout = %q", out)
	}
	if _, _, err := executeCmd(t, context.Background(), cfg, "", "recipe", "list"); !errors.Is(err, types.ErrAuth) {
		t.Errorf("recipe list while logged out error = %v, want ErrAuth", err)
	}

	// Password from stdin
	out, stderr, err := executeCmd(t, context.Background(), cfg, "correct horse\n", "login", "--email", "cook@example.com")
	if err != nil {
		t.Fatalf("login: %v\nstderr: %s", err, stderr)
	}
	if !strings.Contains(out, "Logged in as cook@example.com") {
		t.Errorf("login output = %q", out)
	}

	who := decodeJSON[map[string]any](t, mustRun(t, cfg, "whoami", "--json"))
	if who["logged_in"] != true || who["email"] != "cook@example.com" {
		t.Errorf("whoami = %v", who)
	}

	if _, _, err := executeCmd(t, context.Background(), cfg, "wrong password\n", "login", "--email", "cook@example.com"); !errors.Is(err, types.ErrAuth) {
		t.Errorf("bad password error = %v, want ErrAuth", err)
	}
}

func TestCLI_Validation(t *testing.T) {
	_, cfg := newTestBackend(t)
	mustRun(t, cfg, "register", "--email", "cook@example.com", "--password", "correct horse")

	if _, _, err := executeCmd(t, context.Background(), cfg, "", "list", "add", "Empty"); !errors.Is(err, types.ErrSchemaViolation) {
		t.Errorf("list without recipes error = %v, want ErrSchemaViolation", err)
	}
	if _, _, err := executeCmd(t, context.Background(), cfg, "", "recipe", "show", "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("show missing error = %v, want ErrNotFound", err)
	}
	if _, _, err := executeCmd(t, context.Background(), cfg, "", "recipe", "add"); err == nil {
		t.Error("recipe add without a name succeeded")
	}
}
