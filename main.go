package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"memo-sync/api"
	"memo-sync/config"
	"memo-sync/domain"
	"memo-sync/storage"
	"memo-sync/upsert"
)

const shutdownTimeout = 10 * time.Second

var cfg config.Config

func main() {
	rootCmd := &cobra.Command{
		Use:           "memo-sync",
		Short:         "Create and edit memos against a live backing store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return err
			}
			if cfg.Debug {
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(foldersCmd())
	rootCmd.AddCommand(repairCmd())
	rootCmd.AddCommand(initCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.WithError(err).Error("command failed")
		stop()
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and SSE API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := log.StandardLogger()

			auth, err := newAuth()
			if err != nil {
				return err
			}
			b, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("storage: %w", err)
			}
			defer b.Close()
			b.start(ctx)

			e := echo.New()
			e.HideBanner = true
			e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
				AllowOrigins: []string{"*"},
				AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
			}))
			api.Register(e, b.store, auth, b.repairer(), b.deduper(), logger)

			errCh := make(chan error, 1)
			go func() { errCh <- e.Start(cfg.Addr()) }()
			logger.WithField("addr", cfg.Addr()).WithField("store", cfg.Store).Info("memo-sync listening")

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	}
}

func newAuth() (*api.Auth, error) {
	if err := cfg.ValidateAuth(); err != nil {
		return nil, err
	}
	if cfg.AuthTestMode {
		return api.NewTestAuth([]byte(cfg.TestJWTSecret)), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, cfg.Auth0Audience, "https://"+cfg.Auth0Domain+"/"), nil
}

func submitCmd() *cobra.Command {
	var id, title, description, folder, user string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a memo, or update one with --id",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := log.StandardLogger()
			b, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("storage: %w", err)
			}
			defer b.Close()

			form := upsert.NewForm(b.store, logger)
			defer form.Close()
			if id != "" {
				if err := form.Bind(ctx, id); err != nil {
					return err
				}
				loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				_, err := form.WaitLoaded(loadCtx)
				cancel()
				if err != nil {
					return err
				}
				_ = form.Close()
			}
			// Unset flags keep the loaded values.
			if cmd.Flags().Changed("title") || id == "" {
				form.SetTitle(title)
			}
			if cmd.Flags().Changed("description") || id == "" {
				form.SetDescription(description)
			}
			if cmd.Flags().Changed("folder") || id == "" {
				form.SetFolder(folder)
			}

			signals := upsert.LogSignals{Logger: logger}
			orch := upsert.NewOrchestrator(b.store, upsert.NewLifecycle(signals, signals, logger), b.repairer(), logger)
			res, err := orch.Submit(ctx, domain.Identity{UserID: user}, form)
			if err != nil {
				var partial *domain.PartialCreateError
				if errors.As(err, &partial) {
					fmt.Printf("Stored memo %s, id patch deferred\n", partial.ID)
					return nil
				}
				if domain.IsValidation(err) {
					return errors.New("title or description is required")
				}
				return err
			}
			if res.Created {
				fmt.Printf("Created memo %s\n", res.ID)
			} else {
				fmt.Printf("Updated memo %s\n", res.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "memo to update")
	cmd.Flags().StringVar(&title, "title", "", "memo title")
	cmd.Flags().StringVar(&description, "description", "", "memo body")
	cmd.Flags().StringVar(&folder, "folder", domain.FolderNone, "folder id")
	cmd.Flags().StringVar(&user, "user", os.Getenv("MEMO_SYNC_USER"), "owner user id for new memos")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [id]",
		Short: "Print a memo's form state on every change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := log.StandardLogger()
			b, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("storage: %w", err)
			}
			defer b.Close()
			b.start(ctx)

			form := upsert.NewForm(b.store, logger)
			defer form.Close()
			if err := form.Bind(ctx, args[0]); err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case st := <-form.Changes():
					if err := form.BindErr(); err != nil {
						return err
					}
					data, err := sonic.Marshal(st)
					if err != nil {
						return err
					}
					fmt.Println(string(data))
				}
			}
		},
	}
}

func foldersCmd() *cobra.Command {
	var user string
	var follow bool

	cmd := &cobra.Command{
		Use:   "folders",
		Short: "List a user's folders, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			logger := log.StandardLogger()
			b, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("storage: %w", err)
			}
			defer b.Close()
			b.start(ctx)

			snaps := make(chan domain.FolderSnapshot, 1)
			signals := upsert.LogSignals{Logger: logger}
			lookup := upsert.NewFolderLookup(b.store, upsert.NewLifecycle(signals, signals, logger), logger)
			sub, err := lookup.Watch(ctx, domain.Identity{UserID: user}, func(fs domain.FolderSnapshot) {
				select {
				case snaps <- fs:
				case <-ctx.Done():
				}
			})
			if err != nil {
				return err
			}
			defer sub.Close()

			for {
				select {
				case <-ctx.Done():
					return nil
				case fs := <-snaps:
					if fs.Err != nil {
						return fs.Err
					}
					printFolders(fs.Folders)
					if !follow {
						return nil
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&user, "user", os.Getenv("MEMO_SYNC_USER"), "owner user id")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing on every change")
	return cmd
}

func printFolders(folders []domain.Folder) {
	if len(folders) == 0 {
		fmt.Println("No folders.")
		return
	}
	for _, f := range folders {
		fmt.Printf("%-36s  %s  %s\n", f.ID, f.UpdatedDate.Format(time.RFC3339), f.Name)
	}
	fmt.Println(strings.Repeat("-", 40))
}

func repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Run the memo id repair worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := log.StandardLogger()
			b, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("storage: %w", err)
			}
			defer b.Close()
			if b.repairs == nil {
				return errors.New("repair queue requires STORAGE_CONNECTION_STRING")
			}
			b.repairs.Run(ctx, b.store)
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the storage tables and the repair queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.ConnectionString == "" {
				return errors.New("missing storage config")
			}
			tables := []string{cfg.MemosTable, cfg.FoldersTable}
			if cfg.Store != config.StoreTables {
				tables = nil
			}
			if err := storage.Init(cmd.Context(), cfg.ConnectionString, tables, []string{cfg.RepairQueue}); err != nil {
				return err
			}
			log.Info("storage initialized")
			return nil
		},
	}
}
