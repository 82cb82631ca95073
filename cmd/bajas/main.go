package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bajas/internal/app"
	"bajas/internal/assets"
	"bajas/internal/config"
	"bajas/internal/db"
	"bajas/internal/domain"
	"bajas/internal/engine"
	"bajas/internal/identity"
	"bajas/internal/migrate"
	"bajas/internal/repo"
	"bajas/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bajas",
	Short: "Asset disposal case CLI",
	Long: `Bajas manages the lifecycle of municipal asset disposal cases.
A case is opened with a reason and a file number, assets are attached to it,
technical opinions are recorded during evaluation, an authority approves or
rejects it with a resolution number, and an approved case is finalized by
disposing every linked asset in the registry. Role grants gate resolution and
finalization; every change lands in the event log ('bajas log tail').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BAJAS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("municipality", "", "municipality code (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("municipality", rootCmd.PersistentFlags().Lookup("municipality"))
}

func registerCommands() {
	rootCmd.AddCommand(municipalityCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(assetCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func municipalityCmd() *cobra.Command {
	mun := &cobra.Command{Use: "municipality", Short: "Manage municipalities"}
	mun.AddCommand(municipalityListCmd())
	mun.AddCommand(municipalityConfigCmd())
	return mun
}

func municipalityListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List municipalities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMunicipalities(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func municipalityConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage municipality config"}
	cfg.AddCommand(municipalityConfigShowCmd())
	cfg.AddCommand(municipalityConfigImportCmd())
	cfg.AddCommand(municipalityConfigInitCmd())
	return cfg
}

func municipalityConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show active config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func municipalityConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import municipality config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				code := cfg.Municipality.Code
				now := time.Now().UTC().Format(time.RFC3339)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureMunicipality(ctx, tx, code, cfg.Municipality.Name, now); err != nil {
					return err
				}
				if err := r.UpsertMunicipalityConfigTx(ctx, tx, code, cfg); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func municipalityConfigInitCmd() *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default bajas.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if code == "" {
				return fmt.Errorf("--code required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(code)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "municipality code")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show case counts for the municipality",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				code := e.Config.Municipality.Code
				counts, err := e.Repo.CountCasesByStatus(ctx, code)
				if err != nil {
					return err
				}
				out := map[string]any{
					"municipality_code": code,
					"case_counts":       counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Municipality: %s\n", code)
				fmt.Println("Cases:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "case",
		Short: "Manage disposal cases",
		Long: `Disposal cases flow INITIATED -> UNDER_EVALUATION -> APPROVED/REJECTED -> EXECUTED,
with CANCELLED reachable from the first two states. Assets attach while INITIATED,
opinions land while UNDER_EVALUATION, and finalize disposes every linked asset.`,
	}
	c.AddCommand(caseOpenCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseAttachCmd())
	c.AddCommand(caseDetachCmd())
	c.AddCommand(caseEvaluateCmd())
	c.AddCommand(caseOpinionCmd())
	c.AddCommand(caseOpinionsCmd())
	c.AddCommand(caseResolveCmd())
	c.AddCommand(caseFinalizeCmd())
	c.AddCommand(caseCancelCmd())
	return c
}

func caseOpenCmd() *cobra.Command {
	var opts engine.CaseOpenOptions
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a disposal case",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.RequestedBy == "" {
				opts.RequestedBy = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.OpenCase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.DisposalType, "type", "", "disposal type (ADMINISTRATIVE, TECHNICAL, FORTUITOUS, OBSOLESCENCE)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason code")
	cmd.Flags().StringVar(&opts.ReasonDescription, "reason-description", "", "reason description")
	cmd.Flags().StringVar(&opts.Observations, "observations", "", "observations")
	cmd.Flags().StringVar(&opts.TechnicalReportAuthor, "report-author", "", "technical report author id")
	cmd.Flags().StringVar(&opts.RequestedBy, "requested-by", "", "requesting actor id (defaults to --actor-id)")
	cmd.Flags().BoolVar(&opts.RequiresDestruction, "requires-destruction", false, "assets must be destroyed")
	cmd.Flags().BoolVar(&opts.AllowsDonation, "allows-donation", false, "assets may be donated")
	cmd.Flags().Float64Var(&opts.RecoverableValue, "recoverable-value", 0, "estimated recoverable value")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("reason")
	_ = cmd.MarkFlagRequired("reason-description")
	_ = cmd.MarkFlagRequired("report-author")
	return cmd
}

func caseListCmd() *cobra.Command {
	var status, disposalType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCases(ctx, repo.CaseFilters{
					MunicipalityCode: e.Config.Municipality.Code,
					Status:           status,
					DisposalType:     disposalType,
					Limit:            limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "File", "Type", "Status", "Resolution", "Version"})
				for _, c := range items {
					resolution := ""
					if c.ResolutionNumber != nil {
						resolution = *c.ResolutionNumber
					}
					tw.AppendRow(table.Row{c.ID, c.FileNumber, c.DisposalType, c.Status, resolution, c.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&disposalType, "type", "", "disposal type filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case with its asset links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCase(ctx, id)
				if err != nil {
					return err
				}
				links, err := e.Repo.ListLinks(ctx, c.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"case": c, "links": links})
			})
		},
	}
	return cmd
}

func caseAttachCmd() *cobra.Command {
	var opts engine.AssetAttachOptions
	var bookValue, recoverableValue float64
	cmd := &cobra.Command{
		Use:   "attach <case-id>",
		Short: "Attach an asset to a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CaseID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("book-value") {
				opts.BookValue = &bookValue
			}
			if cmd.Flags().Changed("recoverable-value") {
				opts.RecoverableValue = &recoverableValue
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.AttachAsset(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AssetID, "asset", "", "asset id")
	cmd.Flags().StringVar(&opts.ConservationStatus, "conservation", "", "conservation status (GOOD, REGULAR, BAD, UNUSABLE)")
	cmd.Flags().Float64Var(&bookValue, "book-value", 0, "book value")
	cmd.Flags().Float64Var(&recoverableValue, "recoverable-value", 0, "recoverable value")
	cmd.Flags().StringVar(&opts.Observations, "observations", "", "observations")
	cmd.Flags().Int64Var(&opts.Version, "version", 0, "expected case version (0 skips the check)")
	_ = cmd.MarkFlagRequired("asset")
	_ = cmd.MarkFlagRequired("conservation")
	return cmd
}

func caseDetachCmd() *cobra.Command {
	var opts engine.AssetDetachOptions
	cmd := &cobra.Command{
		Use:   "detach <link-id>",
		Short: "Detach an asset link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.LinkID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DetachAsset(ctx, opts)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.Version, "version", 0, "expected case version (0 skips the check)")
	return cmd
}

func caseEvaluateCmd() *cobra.Command {
	var opts engine.EvaluationStartOptions
	cmd := &cobra.Command{
		Use:   "evaluate <case-id>",
		Short: "Start evaluation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CaseID = args[0]
			opts.AssignedBy = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.StartEvaluation(cmd.Context(), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.Version, "version", 0, "expected case version (0 skips the check)")
	return cmd
}

func caseOpinionCmd() *cobra.Command {
	var opts engine.OpinionRecordOptions
	cmd := &cobra.Command{
		Use:   "opinion <link-id>",
		Short: "Record a technical opinion on an asset link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.LinkID = args[0]
			opts.EvaluatorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.RecordOpinion(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&opts.TechnicalOpinion, "opinion", "", "technical opinion text")
	cmd.Flags().StringVar(&opts.Recommendation, "recommendation", "", "recommendation (DESTROY, DONATE, SELL, RECYCLE, TRANSFER)")
	cmd.Flags().Int64Var(&opts.Version, "version", 0, "expected case version (0 skips the check)")
	_ = cmd.MarkFlagRequired("opinion")
	_ = cmd.MarkFlagRequired("recommendation")
	return cmd
}

func caseOpinionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "opinions <case-id>",
		Short: "Show opinion coverage for a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.OpinionStatus(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func caseResolveCmd() *cobra.Command {
	var opts engine.ResolveOptions
	var reject bool
	cmd := &cobra.Command{
		Use:   "resolve <case-id>",
		Short: "Approve or reject a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CaseID = args[0]
			opts.Approved = !reject
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := e.Identity.Resolve(ctx, e.Config.Municipality.Code, identity.Actor{ID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				opts.Actor = actor
				c, err := e.Resolve(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	cmd.Flags().StringVar(&opts.ResolutionNumber, "resolution-number", "", "resolution number (auto-generated when omitted)")
	cmd.Flags().StringVar(&opts.Observations, "observations", "", "observations (required on rejection)")
	cmd.Flags().Int64Var(&opts.Version, "version", 0, "expected case version (0 skips the check)")
	return cmd
}

func caseFinalizeCmd() *cobra.Command {
	var opts engine.FinalizeOptions
	cmd := &cobra.Command{
		Use:   "finalize <case-id>",
		Short: "Execute an approved case by disposing its assets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CaseID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := e.Identity.Resolve(ctx, e.Config.Municipality.Code, identity.Actor{ID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				opts.Actor = actor
				c, err := e.Finalize(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.Version, "version", 0, "expected case version (0 skips the check)")
	return cmd
}

func caseCancelCmd() *cobra.Command {
	var opts engine.CancelOptions
	cmd := &cobra.Command{
		Use:   "cancel <case-id>",
		Short: "Cancel a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CaseID = args[0]
			opts.CancelledBy = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Cancel(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Observations, "observations", "", "cancellation observations")
	cmd.Flags().Int64Var(&opts.Version, "version", 0, "expected case version (0 skips the check)")
	return cmd
}

func assetCmd() *cobra.Command {
	a := &cobra.Command{Use: "asset", Short: "Manage the asset registry"}
	a.AddCommand(assetRegisterCmd())
	a.AddCommand(assetShowCmd())
	a.AddCommand(assetListCmd())
	return a
}

func assetRegisterCmd() *cobra.Command {
	var a domain.AssetSnapshot
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.ID == "" {
				a.ID = "asset_" + gonanoid.Must(21)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				registry, ok := e.Assets.(assets.SQLRegistry)
				if !ok {
					return fmt.Errorf("asset registry is external; register assets there")
				}
				res, err := registry.Register(ctx, e.Config.Municipality.Code, a)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&a.ID, "id", "", "asset id (generated when omitted)")
	cmd.Flags().StringVar(&a.Code, "code", "", "inventory code")
	cmd.Flags().StringVar(&a.Description, "description", "", "description")
	cmd.Flags().StringVar(&a.Status, "status", "", "status (defaults to ACTIVE)")
	cmd.Flags().Float64Var(&a.CurrentValue, "current-value", 0, "current value")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func assetShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <asset-id>",
		Short: "Show an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Assets.GetAsset(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func assetListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				registry, ok := e.Assets.(assets.SQLRegistry)
				if !ok {
					return fmt.Errorf("asset registry is external; list assets there")
				}
				items, err := registry.ListByStatus(ctx, e.Config.Municipality.Code, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Description", "Status", "Value"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Code, a.Description, a.Status, a.CurrentValue})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (ACTIVE, MAINTENANCE, DISPOSED)")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var caseID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, caseID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&caseID, "case", "", "case id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "RBAC management"}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := e.Identity.Resolve(ctx, e.Config.Municipality.Code, identity.Actor{ID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printJSONOrTable(actor)
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Identity.GrantRole(ctx, tx, e.Config.Municipality.Code, target, role); err != nil {
					return err
				}
				if err := e.Events.Append(ctx, tx, "role.granted", "", "rbac", target, viper.GetString("actor-id"), map[string]any{"role_id": role}); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Identity.RevokeRole(ctx, tx, e.Config.Municipality.Code, target, role); err != nil {
					return err
				}
				if err := e.Events.Append(ctx, tx, "role.revoked", "", "rbac", target, viper.GetString("actor-id"), map[string]any{"role_id": role}); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the key once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := gonanoid.Must(32)
				key := domain.APIKey{
					ID:      "key_" + gonanoid.Must(21),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				ident := identity.Service{DB: r.DB}
				if err := ident.EnsureActor(ctx, tx, actorID); err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"api_key":  raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveMunicipalityAndConfig(cmd.Context(), workspace, viper.GetString("municipality"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("BAJAS_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
				EnableDevLogin:         devLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("BAJAS_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Bajas API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (deprecated)")
	cmd.Flags().BoolVar(&devLogin, "enable-dev-login", false, "expose the dev token endpoint")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveMunicipalityAndConfig(ctx, workspace, viper.GetString("municipality"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
