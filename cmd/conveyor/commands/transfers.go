package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/conveyor/pkg/api"
	"github.com/openfroyo/conveyor/pkg/engine"
)

// triggerActions are the operator actions exposed as commands.
var triggerActions = []string{"terminate", "complete", "suspend", "resume", "deprovision"}

func newClient() *api.Client {
	return api.NewClient(serverURL, apiToken, nil)
}

func newInitiateCommand() *cobra.Command {
	var (
		file string
		req  engine.TransferRequest
	)

	cmd := &cobra.Command{
		Use:   "initiate",
		Short: "Start a consumer transfer",
		Long: `Start a consumer transfer process on a running instance. The request is
read from a YAML or JSON file, and flags override its fields.`,
		Example: `  # From a request file
  conveyor initiate -f transfer.yaml

  # From flags
  conveyor initiate --counterparty https://provider.example/protocol \
    --asset asset-1 --contract contract-1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			full := engine.TransferRequest{}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read request: %w", err)
				}
				if err := yaml.Unmarshal(data, &full); err != nil {
					return fmt.Errorf("failed to parse request: %w", err)
				}
			}
			overlay(&full, req)

			log.Debug().
				Str("asset_id", full.AssetID).
				Str("counterparty", full.CounterPartyAddress).
				Msg("Initiating transfer")

			p, err := newClient().Initiate(cmd.Context(), full)
			if err != nil {
				return err
			}
			return printProcess(cmd.OutOrStdout(), p)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "transfer request file (YAML or JSON)")
	cmd.Flags().StringVar(&req.ID, "id", "", "process id, generated when empty")
	cmd.Flags().StringVar(&req.CounterPartyAddress, "counterparty", "", "provider protocol address")
	cmd.Flags().StringVar(&req.Protocol, "protocol", "http", "dispatch protocol")
	cmd.Flags().StringVar(&req.AssetID, "asset", "", "asset id")
	cmd.Flags().StringVar(&req.ContractID, "contract", "", "contract id")

	return cmd
}

// overlay copies the non-empty fields of flags onto req.
func overlay(req *engine.TransferRequest, flags engine.TransferRequest) {
	if flags.ID != "" {
		req.ID = flags.ID
	}
	if flags.CounterPartyAddress != "" {
		req.CounterPartyAddress = flags.CounterPartyAddress
	}
	if flags.Protocol != "" && req.Protocol == "" {
		req.Protocol = flags.Protocol
	}
	if flags.AssetID != "" {
		req.AssetID = flags.AssetID
	}
	if flags.ContractID != "" {
		req.ContractID = flags.ContractID
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show one transfer process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newClient().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printProcess(cmd.OutOrStdout(), p)
		},
	}
}

func newListCommand() *cobra.Command {
	var (
		state       string
		processType string
		limit       int
		offset      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transfer processes",
		Example: `  # Started consumer transfers
  conveyor list --state STARTED --type CONSUMER`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ListOptions{
				Type:   engine.ProcessType(processType),
				Limit:  limit,
				Offset: offset,
			}
			if state != "" {
				s, err := engine.ParseState(state)
				if err != nil {
					return err
				}
				opts.State = s
			}

			list, err := newClient().List(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), list)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATE\tASSET\tUPDATED")
			for _, p := range list.Items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Type, p.State, p.AssetID, p.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "filter by state name")
	cmd.Flags().StringVar(&processType, "type", "", "filter by CONSUMER or PROVIDER")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")

	return cmd
}

func newTriggerCommand(action string) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   action + " <id>",
		Short: fmt.Sprintf("Request %s of a transfer process", action),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body interface{}
			if action == "terminate" {
				body = api.TerminateRequest{Reason: reason}
			}
			p, err := newClient().Trigger(cmd.Context(), args[0], action, body)
			if err != nil {
				return err
			}
			return printProcess(cmd.OutOrStdout(), p)
		},
	}

	if action == "terminate" {
		cmd.Flags().StringVar(&reason, "reason", "", "termination reason sent to the counterparty")
	}
	return cmd
}

func printProcess(w io.Writer, p *engine.TransferProcess) error {
	if jsonOutput {
		return printJSON(w, p)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", p.ID)
	fmt.Fprintf(tw, "Type:\t%s\n", p.Type)
	fmt.Fprintf(tw, "State:\t%s\n", p.State)
	if p.CorrelationID != "" {
		fmt.Fprintf(tw, "Correlation:\t%s\n", p.CorrelationID)
	}
	fmt.Fprintf(tw, "Asset:\t%s\n", p.AssetID)
	fmt.Fprintf(tw, "Contract:\t%s\n", p.ContractID)
	fmt.Fprintf(tw, "Counterparty:\t%s\n", p.CounterPartyAddress)
	fmt.Fprintf(tw, "Resources:\t%d provisioned\n", len(p.ProvisionedResources))
	if p.ErrorDetail != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", p.ErrorDetail)
	}
	fmt.Fprintf(tw, "Updated:\t%s\n", p.UpdatedAt.Format(time.RFC3339))
	return tw.Flush()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
