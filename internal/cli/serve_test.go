package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/config"
	"github.com/roach88/cartsync/internal/engine"
	"github.com/roach88/cartsync/internal/httpapi"
	"github.com/roach88/cartsync/internal/store"
)

func TestNewSession_JournalsOperations(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "session.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := t.Context()

	sess, err := newSession(ctx, cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, sess.journal)
	assert.Nil(t, sess.mirror)
	assert.Nil(t, sess.events)

	op := sess.ctrl.AddItem(ctx, cart.Item{MerchandiseID: "1", Quantity: 2})
	assert.Equal(t, engine.StatusSuccess, op.Wait(ctx))
	assert.Equal(t, 2, sess.ctrl.Cart().TotalQuantity)
	require.NoError(t, sess.shutdown(ctx))

	st, err := store.Open(cfg.Store.Path)
	require.NoError(t, err)
	defer st.Close()

	ops, err := st.ListAllOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, op.ID(), ops[0].ID)
	assert.Equal(t, engine.StatusSuccess, ops[0].Status)

	// A second session continues seq numbering after the first.
	sess, err = newSession(ctx, cfg, logger)
	require.NoError(t, err)
	op = sess.ctrl.AddItem(ctx, cart.Item{MerchandiseID: "2", Quantity: 1})
	assert.Equal(t, engine.StatusSuccess, op.Wait(ctx))
	require.NoError(t, sess.shutdown(ctx))

	ops, err = st.ListAllOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Greater(t, ops[1].Seq, ops[0].Seq)
}

func TestNewSession_NoJournal(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Path = ""
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sess, err := newSession(t.Context(), cfg, logger)
	require.NoError(t, err)
	assert.Nil(t, sess.journal)
	require.NoError(t, sess.shutdown(t.Context()))
}

func TestNewSession_UnreachableBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Path = ""
	cfg.Backend.Mode = config.BackendHTTP
	cfg.Backend.URL = "http://127.0.0.1:1"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := newSession(t.Context(), cfg, logger)
	require.Error(t, err)
}

func TestRunServe(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "serve.db")
	cfgPath := writeFile(t, dir, "cartsync.yaml", fmt.Sprintf(`log:
  level: error
store:
  path: %q
http:
  rate_limit: 0
`, dbPath))

	ready := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text", ConfigPath: cfgPath},
		Addr:        "127.0.0.1:0",
		Ready:       func(addr string) { ready <- addr },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)

	done := make(chan error, 1)
	go func() {
		done <- runServe(opts, cmd)
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not start")
	}
	base := "http://" + addr

	resp, err := http.Post(base+"/cart/lines", "application/json",
		strings.NewReader(`{"merchandiseId":"1","quantity":3,"unitPrice":{"amount":450,"currencyCode":"USD"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Contains(t, []int{http.StatusAccepted, http.StatusOK}, resp.StatusCode)

	assert.Eventually(t, func() bool {
		resp, err := http.Get(base + "/cart")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var view httpapi.CartView
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			return false
		}
		return !view.Pending && view.Cart.TotalQuantity == 3
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}
	assert.Contains(t, out.String(), "Serving cart API on "+addr)

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()
	ops, err := st.ListAllOperations(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, engine.StatusSuccess, ops[0].Status)
}

func TestRunServe_BadConfig(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "bad.yaml", "retry:\n  max_retries: 99\n")
	opts := &ServeOptions{RootOptions: &RootOptions{Format: "text", ConfigPath: cfgPath}}

	cmd := &cobra.Command{}
	cmd.SetContext(t.Context())
	err := runServe(opts, cmd)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
