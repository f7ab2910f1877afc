package main

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/gc3pie/gc3core/internal/httpapi"
)

func newServeCmd() *cobra.Command {
	var (
		addr           string
		allowedOrigins []string
	)

	cmd := &cobra.Command{
		Use:   "serve <sessions-root>",
		Short: "serve the read-only /healthz and /sessions status API over HTTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			router := httpapi.NewRouter(httpapi.Config{
				SessionsRoot:   args[0],
				Logger:         log,
				AllowedOrigins: allowedOrigins,
			})
			log.Infof("serving session status API on %s", addr)
			return http.ListenAndServe(addr, router)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	cmd.Flags().StringSliceVar(&allowedOrigins, "allowed-origin", nil, "CORS-allowed origins (repeatable)")
	return cmd
}
