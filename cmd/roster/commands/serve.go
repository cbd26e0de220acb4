package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/logger"
	"github.com/teranos/roster/provider/memserver"
	"github.com/teranos/roster/provider/wsprovider"
	"github.com/teranos/roster/version"
)

const shutdownTimeout = 10 * time.Second

// ServeCmd runs a group server.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a group server",
	Long: `Host groups for roster clients over a websocket at /ws.

The server is authoritative: it keeps every group's revision log, enforces
revision ordering and edit rights, and hands out history to members. Hosted
state lives in memory and is lost when the server stops.

GET /healthz reports the build and the number of open sessions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.GetServerAddr()
		}

		log := logger.Logger.Named("serve")
		hosted := memserver.New(log.Named("memserver"))
		handler := wsprovider.NewHandler(func(self group.Self) wsprovider.Session {
			return hosted.ClientFor(self)
		}, log.Named("ws"))

		httpSrv := &http.Server{
			Addr:              addr,
			Handler:           newServeMux(handler),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errChan := make(chan error, 1)
		go func() {
			errChan <- httpSrv.ListenAndServe()
		}()
		pterm.Success.Printfln("Group server listening on %s (protocol %d)", addr, version.Protocol)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case err := <-errChan:
			return errors.Wrap(err, "server stopped unexpectedly")
		case <-sigChan:
			pterm.Info.Println("Shutting down...")
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "shutdown error")
		}
		pterm.Success.Println("Server stopped cleanly")
		return nil
	},
}

// healthView is the /healthz response body.
type healthView struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Commit   string `json:"commit"`
	Protocol int    `json:"protocol"`
	Sessions int    `json:"sessions"`
}

func newServeMux(handler *wsprovider.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		info := version.Get()
		writeJSON(w, http.StatusOK, healthView{
			Status:   "ok",
			Version:  info.Version,
			Commit:   info.Short(),
			Protocol: info.Protocol,
			Sessions: handler.Sessions(),
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func init() {
	ServeCmd.Flags().String("addr", "", "Listen address (default from server.addr)")
}
