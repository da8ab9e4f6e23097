package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TroyNeubauer/duo-enforcer/internal/cache"
	"github.com/TroyNeubauer/duo-enforcer/internal/enforce"
	"github.com/TroyNeubauer/duo-enforcer/internal/lockout"
	"github.com/TroyNeubauer/duo-enforcer/internal/policy"
	"github.com/TroyNeubauer/duo-enforcer/pkg/audit"
	"github.com/TroyNeubauer/duo-enforcer/pkg/clierror"
	"github.com/TroyNeubauer/duo-enforcer/pkg/duoapi"
	"github.com/TroyNeubauer/duo-enforcer/pkg/verdict"
)

var (
	evalFactor   string
	evalPasscode string
	evalDirect   bool
)

func init() {
	evaluateCmd.Flags().StringVar(&evalFactor, "factor", "auto", "Second factor (auto|push|passcode|phone|sms|bypass-code)")
	evaluateCmd.Flags().StringVar(&evalPasscode, "passcode", "", "Passcode for synchronous factors")
	evaluateCmd.Flags().BoolVar(&evalDirect, "direct", false, "Evaluate against the upstream directly instead of a running daemon")
	rootCmd.AddCommand(evaluateCmd)
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <principal> <resource>",
	Short: "Request a one-shot enforcement decision",
	Long: `Request an enforcement decision for a principal on a resource.

By default the request goes through the running daemon so it shares the
daemon's cache and lockout state. With --direct, duoctl builds the full
enforcement stack in-process, using the configured lockout store.

Examples:
  duoctl evaluate alice ssh --factor push
  duoctl evaluate alice vpn --factor passcode --passcode 123456
  duoctl evaluate alice ssh --direct`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		att := enforce.Attempt{
			Principal: args[0],
			Resource:  args[1],
			Factor:    evalFactor,
			Passcode:  evalPasscode,
		}

		var resp struct {
			Outcome   string `json:"outcome"`
			Reason    string `json:"reason"`
			Message   string `json:"message"`
			RequestID string `json:"requestId"`
		}

		if evalDirect {
			d, requestID, err := evaluateDirect(cmd, att)
			if err != nil {
				return err
			}
			resp.Outcome = d.Outcome.String()
			resp.Reason = d.Reason
			resp.Message = d.Message
			resp.RequestID = requestID
		} else {
			client := newDaemonClient(serverURL)
			if err := client.post(cmd.Context(), "/api/v1/evaluate", att, &resp); err != nil {
				return err
			}
		}

		if outputFormat == "json" {
			return printJSON(resp)
		}

		fmt.Printf("Decision:   %s\n", colorOutcome(resp.Outcome))
		fmt.Printf("Reason:     %s\n", resp.Reason)
		fmt.Printf("Message:    %s\n", resp.Message)
		fmt.Printf("Request ID: %s\n", resp.RequestID)

		return decisionError(att.Principal, resp.Outcome, resp.Reason, resp.Message)
	},
}

func evaluateDirect(cmd *cobra.Command, att enforce.Attempt) (verdict.Decision, string, error) {
	// The daemon path needs no config; only building the stack in-process
	// does, so the requirement lands here instead of PersistentPreRunE.
	var err error
	cfg, err = policy.Load(configPath)
	if err != nil {
		return verdict.Decision{}, "", clierror.ConfigInvalid(err)
	}

	store, err := lockout.OpenSQLite(cfg.StorePath)
	if err != nil {
		return verdict.Decision{}, "", err
	}
	defer store.Close()

	tracker := lockout.NewTracker(lockout.Config{
		Threshold: cfg.Lockout.Threshold,
		Window:    cfg.Lockout.Window,
		Duration:  cfg.Lockout.Duration,
	}, store)

	vc := cache.New(cache.WithCleanupInterval(0))
	defer vc.Close()

	client, err := duoapi.NewClient(duoapi.Credentials{
		IntegrationKey: cfg.Upstream.IntegrationKey,
		SecretKey:      cfg.Upstream.SecretKey,
		APIHost:        cfg.Upstream.APIHost,
	}, duoapi.WithSkewWindow(cfg.Upstream.SkewWindow))
	if err != nil {
		return verdict.Decision{}, "", err
	}

	authz, err := policy.NewAuthorizer(cfg, nil)
	if err != nil {
		return verdict.Decision{}, "", err
	}

	engine := policy.NewEngine(cfg, authz, client, vc, tracker,
		policy.WithAuditEmitter(audit.NewSlogEmitter(nil)))
	adapter := enforce.NewAdapter(engine, nil)

	d, requestID := adapter.Evaluate(cmd.Context(), att)
	return d, requestID, nil
}

// decisionError maps a non-ALLOW decision to a structured CLI error so
// wrapping scripts can branch on the exit code.
func decisionError(principal, outcome, reason, message string) error {
	if outcome == "allow" {
		return nil
	}
	switch reason {
	case verdict.ReasonLockout:
		return clierror.LockedOut(principal, message)
	case verdict.ReasonUpstreamUnavailable, verdict.ReasonUpstreamError:
		return clierror.UpstreamFailed(cfgHost())
	case verdict.ReasonStaleResponse:
		return clierror.StaleResponse()
	default:
		if outcome == "error" {
			return clierror.InternalError(fmt.Errorf("%s", message))
		}
		return clierror.Denied(reason)
	}
}

func cfgHost() string {
	if cfg != nil {
		return cfg.Upstream.APIHost
	}
	return "upstream"
}

func colorOutcome(outcome string) string {
	switch outcome {
	case "allow":
		return color.GreenString("ALLOW")
	case "deny":
		return color.RedString("DENY")
	default:
		return color.YellowString("ERROR")
	}
}
