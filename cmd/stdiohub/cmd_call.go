package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexcodex/stdiohub/internal/watch"
	"github.com/lexcodex/stdiohub/rpc"
	"github.com/lexcodex/stdiohub/supervisor"
)

func newCallCmd() *cobra.Command {
	var apiURL string
	cmd := &cobra.Command{
		Use:   "call <server> <method> [params-json]",
		Short: "Send one request to a worker and print the reply",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, method := args[0], args[1]
			var params json.RawMessage
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("params must be valid JSON: %s", args[2])
				}
				params = json.RawMessage(args[2])
			}

			var (
				msg *rpc.Message
				err error
			)
			if apiURL != "" {
				msg, err = watch.NewClient(apiURL).Request(cmd.Context(), name, method, params)
			} else {
				msg, err = callLocal(cmd.Context(), name, method, params)
			}
			if err != nil {
				return err
			}
			if err := printMessage(cmd.OutOrStdout(), msg); err != nil {
				return err
			}
			if msg.Error != nil {
				return fmt.Errorf("worker returned error %d: %s", msg.Error.Code, msg.Error.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "", "send through a running stdiohub API instead of spawning the worker")
	return cmd
}

// callLocal spawns the worker, sends the request and stops the worker again.
func callLocal(ctx context.Context, name, method string, params json.RawMessage) (*rpc.Message, error) {
	logger := log.New(io.Discard, "", 0)
	if flagVerbose {
		logger = log.New(os.Stderr, "supervisor ", log.LstdFlags)
	}
	sup, err := newSupervisor(logger, supervisor.Options{})
	if err != nil {
		return nil, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Close(stopCtx)
	}()
	var p any
	if len(params) > 0 {
		p = params
	}
	msg, err := sup.Call(ctx, name, method, p)
	if errors.Is(err, supervisor.ErrUnknownServer) {
		return nil, fmt.Errorf("%w (known: %v)", err, sup.Registry().Names())
	}
	return msg, err
}

func printMessage(w io.Writer, msg *rpc.Message) error {
	var out bytes.Buffer
	if err := json.Indent(&out, msg.Raw, "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err := w.Write(out.Bytes())
	return err
}
