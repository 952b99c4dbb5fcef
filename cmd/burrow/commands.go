package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"

	"github.com/shhac/burrow/internal/app"
	"github.com/shhac/burrow/internal/domain"
	"github.com/shhac/burrow/internal/logging"
	"github.com/shhac/burrow/internal/storage"
)

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [service]",
		Short: "List services, or the methods of one service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(cmd, func(_ context.Context, client *app.Client) error {
				out := cmd.OutOrStdout()
				if len(args) == 0 {
					for _, s := range client.ListServices() {
						fmt.Fprintf(out, "%s (%d methods)\n", s.FullName, len(s.Methods))
					}
					return nil
				}
				methods, err := client.ListMethods(args[0])
				if err != nil {
					return err
				}
				for _, m := range methods {
					fmt.Fprintln(out, formatMethod(m))
				}
				return nil
			})
		},
	}
}

func formatMethod(m domain.Method) string {
	return fmt.Sprintf("%s(%s) returns (%s) [%s]", m.Path, m.InputType, m.OutputType, m.MethodType())
}

func (c *cli) describeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <symbol>",
		Short: "Print a file, service, method, message or enum as proto source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(cmd, func(_ context.Context, client *app.Client) error {
				text, err := client.Describe(args[0])
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), text)
				return nil
			})
		},
	}
}

func (c *cli) templateCmd() *cobra.Command {
	var color bool
	cmd := &cobra.Command{
		Use:   "template <method>",
		Short: "Print a default request for a method",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(cmd, func(_ context.Context, client *app.Client) error {
				text, err := client.RequestTemplate(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), render(text, color))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&color, "color", false, "colorize output")
	return cmd
}

type callFlags struct {
	data    string
	address string
	headers []string
	sets    []string
	color   bool
	verbose bool
}

func (c *cli) callCmd() *cobra.Command {
	var f callFlags
	cmd := &cobra.Command{
		Use:   "call <method>",
		Short: "Invoke a unary method",
		Example: `  burrow call helloworld.Greeter/SayHello -d '{"name": "world"}'
  burrow call helloworld.Greeter/SayHello --set name=world -H x-tenant:acme
  burrow call testpb.Kitchenware/Cook -d @request.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := buildBody(f.data, f.sets, cmd.InOrStdin())
			if err != nil {
				return err
			}
			md := make(map[string]string, len(f.headers))
			for _, h := range f.headers {
				k, v, err := domain.ParseHeader(h)
				if err != nil {
					return err
				}
				md[k] = v
			}

			return c.withClient(cmd, func(ctx context.Context, client *app.Client) error {
				resp, err := client.CallUnaryText(ctx, domain.Request{
					Address:  f.address,
					Method:   args[0],
					Body:     body,
					Metadata: md,
				})
				if err != nil {
					return err
				}
				if f.verbose {
					errOut := cmd.ErrOrStderr()
					for k, v := range resp.Headers {
						fmt.Fprintf(errOut, "< %s: %s\n", k, v)
					}
					fmt.Fprintf(errOut, "< call %s took %s\n", resp.CallID, resp.Duration.Round(time.Microsecond))
				}
				fmt.Fprintln(cmd.OutOrStdout(), render(resp.Body, f.color))
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.data, "data", "d", "", "request body as text, @file, or - for stdin")
	flags.StringVarP(&f.address, "addr", "a", "", "server address for this call")
	flags.StringArrayVarP(&f.headers, "header", "H", nil, "metadata as key:value (repeatable)")
	flags.StringArrayVar(&f.sets, "set", nil, "set a request field as path=value (repeatable)")
	flags.BoolVar(&f.color, "color", false, "colorize output")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "print response headers and timing to stderr")
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write the loaded descriptors as a protoset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(cmd, func(_ context.Context, client *app.Client) error {
				return client.ExportDescriptors(args[0])
			})
		},
	}
}

func (c *cli) saveCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "save [name]",
		Short: "Store the loaded descriptors for use with --saved",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				return c.listSaved(cmd)
			}
			if len(args) == 0 {
				return fmt.Errorf("save: a name is required unless --list is given")
			}
			return c.withClient(cmd, func(_ context.Context, client *app.Client) error {
				return client.SaveDescriptors(args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list saved descriptor sets")
	return cmd
}

// listSaved reads the descriptor store without loading any descriptors.
func (c *cli) listSaved(cmd *cobra.Command) error {
	cfg, err := app.LoadConfig(c.v, c.configFile)
	if err != nil {
		return err
	}
	dir, err := cfg.StorageDir()
	if err != nil {
		return err
	}
	names, err := storage.NewFileStore(dir, logging.NewNopLogger()).ListDescriptorSets()
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(cmd.OutOrStdout(), n)
	}
	return nil
}

func render(text string, color bool) string {
	if !color {
		return text
	}
	return string(pretty.Color([]byte(text), nil))
}
