// yib/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"
	"yib/config"
	"yib/database"
	"yib/handlers"
	"yib/models"
	"yib/moderation"
	"yib/utils"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logger     = slog.New(slog.NewJSONHandler(os.Stdout, nil))
)

func main() {
	slog.SetDefault(logger)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "yib",
	Short:        "Anonymous imageboard server",
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(logger, configPath)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	app, err := newApp(logger, cfg)
	if err != nil {
		logger.Error("Failed to initialize application", "error", err)
		return err
	}
	defer app.Close()

	mux := handlers.SetupRouter(app)
	finalHandler := handlers.CookieMiddleware(handlers.CSRFMiddleware(mux))

	// --- Graceful Shutdown ---
	server := &http.Server{Addr: ":" + cfg.Port, Handler: finalHandler}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("yib server started successfully",
		"version", config.AppVersion,
		"address", "http://localhost:"+cfg.Port,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		logger.Error("Server failed unexpectedly", "error", err)
		return err
	}

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		return err
	}
	logger.Info("Server exiting")
	return nil
}

// withDB runs fn against the database alone.
func withDB(fn func(db *database.DatabaseService) error) error {
	cfg, err := loadConfig(logger, configPath)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	db, err := openDB(logger, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(func(db *database.DatabaseService) error {
			version, dirty, err := database.SchemaVersion(db.DB)
			if err != nil {
				return err
			}
			fmt.Printf("Schema version %d (dirty: %t)\n", version, dirty)
			return nil
		})
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a consistent copy of the database to the backup directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(logger, configPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		return withDB(func(db *database.DatabaseService) error {
			path, err := db.BackupDatabase(cfg.BackupDir)
			if err != nil {
				return err
			}
			fmt.Printf("Backup written to %s\n", path)
			return nil
		})
	},
}

// board command
var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Manage boards",
}

var boardCreateCmd = &cobra.Command{
	Use:   "create <uri> <name>",
	Short: "Create a board",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		captcha, _ := cmd.Flags().GetBool("captcha")
		return withDB(func(db *database.DatabaseService) error {
			if err := db.CreateBoard(models.Board{URI: args[0], Name: args[1], Description: description, CaptchaRequired: captcha}); err != nil {
				return err
			}
			fmt.Printf("Created /%s/\n", args[0])
			return nil
		})
	},
}

var boardDeleteCmd = &cobra.Command{
	Use:   "delete <uri>",
	Short: "Delete a board with all of its threads and files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(logger, configPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		app, err := newApp(logger, cfg)
		if err != nil {
			return err
		}
		defer app.Close()
		if err := app.Posts().DeleteBoard(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted /%s/\n", args[0])
		return nil
	},
}

// restriction commands
var bansCmd = &cobra.Command{
	Use:   "bans",
	Short: "List active bans and timeouts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withModeration(func(app *Application) error {
			bans, err := app.Restrictions().ListActiveBans()
			if err != nil {
				return err
			}
			timeouts, err := app.Restrictions().ListActiveTimeouts()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tIDENTITY\tEXPIRES\tREASON")
			for _, b := range bans {
				expires := "never"
				if !b.Permanent {
					expires = b.ExpiresAt.Time.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "ban\t%s\t%s\t%s\n", b.Identity, expires, b.Reason)
			}
			for _, t := range timeouts {
				fmt.Fprintf(w, "timeout\t%s\t%s\t%s\n", t.Identity, t.ExpiresAt.Format(time.RFC3339), t.Reason)
			}
			return w.Flush()
		})
	},
}

var banCmd = &cobra.Command{
	Use:   "ban <identity> <hours> <reason>",
	Short: "Ban an identity; 0 hours bans permanently",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		hours, err := strconv.Atoi(args[1])
		if err != nil || hours < 0 || hours > config.MaxBanHours {
			return fmt.Errorf("invalid hours %q (0 to %d)", args[1], config.MaxBanHours)
		}
		return withModeration(func(app *Application) error {
			return app.Restrictions().ApplyBan(args[0], time.Duration(hours)*time.Hour, args[2], "cli")
		})
	},
}

var unbanCmd = &cobra.Command{
	Use:   "unban <identity>",
	Short: "Lift a ban",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withModeration(func(app *Application) error {
			return app.Restrictions().LiftBan(args[0])
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired bans and timeouts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(func(db *database.DatabaseService) error {
			store := moderation.New(db, utils.RealClock{}, logger)
			defer store.Close()
			removed, err := store.CleanupExpired()
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d expired restrictions\n", removed)
			return nil
		})
	},
}

func withModeration(fn func(app *Application) error) error {
	cfg, err := loadConfig(logger, configPath)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	app, err := newApp(logger, cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file (default $YIB_CONFIG)")

	boardCreateCmd.Flags().String("description", "", "board description")
	boardCreateCmd.Flags().Bool("captcha", false, "require a CAPTCHA to post")
	boardCmd.AddCommand(boardCreateCmd, boardDeleteCmd)

	rootCmd.AddCommand(serveCmd, migrateCmd, backupCmd, boardCmd, bansCmd, banCmd, unbanCmd, cleanupCmd)
}
