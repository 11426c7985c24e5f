package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"conductor/healthserver"
)

//nolint:gochecknoglobals // Cobra command tree.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only status API and Prometheus metrics",
	RunE:  runServe,
}

//nolint:gochecknoinits // Cobra flag registration.
func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newStatusApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := healthserver.New(cfg.Server.Addr, a.store, a.exec, a.governor)
	a.bus.Subscribe(server.Recorder().Subscriber())
	return server.Start(ctx)
}
