package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/atelierkit/onmodel/internal/config"
	"github.com/atelierkit/onmodel/internal/db"
	"github.com/atelierkit/onmodel/internal/gateway"
	"github.com/atelierkit/onmodel/internal/logger"
	"github.com/atelierkit/onmodel/internal/models"
	"github.com/atelierkit/onmodel/internal/repository"
	"github.com/atelierkit/onmodel/internal/tui"
	"github.com/atelierkit/onmodel/internal/workflow"
)

const (
	defaultSpecPrompt = "Describe this garment for an e-commerce spec sheet: fabric, cut, color, fit, notable details. Plain text, no markdown."
	defaultNamePrompt = `Name this garment and tag it. Respond with JSON: {"product_name": "...", "tags": {"color": "...", "category": "...", "material": "..."}}`
)

// app holds everything a command needs once the database is open.
type app struct {
	cfg      *config.Config
	database *sql.DB
	tasks    *repository.TaskRepo
	specs    *repository.SpecSheetRepo
	orch     *workflow.Orchestrator
}

func setup() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.EnsureDirectories(cfg); err != nil {
		return nil, err
	}

	log := logger.New(cfg.LogLevel)

	dbPath, err := config.DatabasePath()
	if err != nil {
		return nil, err
	}
	database, err := db.OpenAndMigrate(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if status, err := db.GetMigrationStatus(database); err != nil {
		log.Warn("could not read migration status", "error", err)
	} else if status.Dirty || status.Pending {
		log.Warn("database schema needs attention",
			"current_version", status.CurrentVersion,
			"latest_version", status.LatestVersion,
			"dirty", status.Dirty)
	}

	tasks := repository.NewTaskRepo(database, log)
	specs := repository.NewSpecSheetRepo(database)
	gw := gateway.NewHTTPClient(nil, cfg.AI, cfg.GeneratedDir)
	orch := workflow.New(tasks, specs, gw, cfg.AI, log)

	return &app{cfg: cfg, database: database, tasks: tasks, specs: specs, orch: orch}, nil
}

func (a *app) close() {
	a.database.Close()
}

var rootCmd = &cobra.Command{
	Use:   "onmodel",
	Short: "On-model photo pipeline for product imagery",
	Long:  `Onmodel moves product photos through AI spec sheets, human approval, and AI on-model image generation.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := setup()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		if err := tui.Run(a.database, a.orch); err != nil {
			fatal(err)
		}
	},
}

var newCmd = &cobra.Command{
	Use:   "new --sku CODE --image PATH [--image PATH...]",
	Short: "Create a task and generate its spec sheet",
	Run: func(cmd *cobra.Command, args []string) {
		sku, _ := cmd.Flags().GetString("sku")
		images, _ := cmd.Flags().GetStringSlice("image")
		specFile, _ := cmd.Flags().GetString("spec-prompt")
		nameFile, _ := cmd.Flags().GetString("name-prompt")

		a, err := setup()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		req := workflow.IntakeRequest{
			ProductCode:   sku,
			ImagePaths:    images,
			SpecPrompt:    loadPrompt(a.cfg.PromptsDir, specFile, defaultSpecPrompt),
			NameTagPrompt: loadPrompt(a.cfg.PromptsDir, nameFile, defaultNamePrompt),
			BatchID:       uuid.NewString(),
		}

		task, err := a.orch.IntakeTask(context.Background(), req)
		if err != nil {
			fatal(err)
		}

		fmt.Printf("Task %d created for %s (status: %s)\n", task.ID, task.ProductCode, task.Status)
		if task.ProductName != "" {
			fmt.Printf("Product name: %s\n", task.ProductName)
		}
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")

		a, err := setup()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		tasks, err := a.tasks.List(repository.Filter{Status: models.Status(status)})
		if err != nil {
			fatal(err)
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return
		}
		for _, t := range tasks {
			fmt.Printf("%4d  %-16s %-22s %s\n", t.ID, t.ProductCode, t.Status, t.ProductName)
		}
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a task's spec sheet, with optional final edits",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := setup()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		id := parseID(args[0])
		text, _ := cmd.Flags().GetString("text")
		if text == "" {
			task, err := a.tasks.GetByID(id)
			if err != nil {
				fatal(err)
			}
			if task == nil {
				fatal(fmt.Errorf("task %d not found", id))
			}
			text = task.SpecSheetText
		}

		if err := a.specs.Approve(id, text); err != nil {
			fatal(err)
		}
		fmt.Printf("Task %d approved.\n", id)
	},
}

var saveCmd = &cobra.Command{
	Use:   "save <id> --text TEXT",
	Short: "Save a spec sheet edit without approving",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := setup()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		text, _ := cmd.Flags().GetString("text")
		if err := a.specs.SaveEdit(parseID(args[0]), text); err != nil {
			fatal(err)
		}
		fmt.Println("Saved.")
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a task pending approval",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := setup()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		if err := a.tasks.UpdateStatus(parseID(args[0]), models.StatusRejected); err != nil {
			fatal(err)
		}
		fmt.Println("Rejected.")
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate [id...]",
	Short: "Generate on-model images for approved tasks",
	Long:  `Generate images for the given task IDs. With no arguments, all APPROVED tasks are processed.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := setup()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		ids := parseIDs(args)
		if len(ids) == 0 {
			approved, err := a.tasks.List(repository.Filter{Status: models.StatusApproved})
			if err != nil {
				fatal(err)
			}
			for _, t := range approved {
				ids = append(ids, t.ID)
			}
		}
		if len(ids) == 0 {
			fmt.Println("No approved tasks to generate.")
			return
		}

		summary, err := a.orch.BulkGenerateImages(context.Background(), ids)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("Bulk generation complete. %s\n", summary)
	},
}

var redoCmd = &cobra.Command{
	Use:   "redo <id> -m INSTRUCTIONS",
	Short: "Regenerate a task's image with extra instructions",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := setup()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		instructions, _ := cmd.Flags().GetString("message")
		if err := a.orch.RedoImage(context.Background(), parseID(args[0]), instructions); err != nil {
			fatal(err)
		}
		fmt.Println("Redo complete; image is pending review.")
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete <id>",
	Short: "Finalize a reviewed task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := setup()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		if err := a.orch.Finalize(parseID(args[0])); err != nil {
			fatal(err)
		}
		fmt.Println("Completed.")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <new-status> <id...>",
	Short: "Bulk status change",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := setup()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		summary, err := a.orch.BulkUpdateStatus(parseIDs(args[1:]), models.Status(args[0]))
		if err != nil {
			fatal(err)
		}
		fmt.Printf("Status change complete. %s\n", summary)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id...>",
	Short: "Delete tasks, their version history, and their image files",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := setup()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		ids := parseIDs(args)
		if err := a.tasks.Delete(ids); err != nil {
			fatal(err)
		}
		fmt.Printf("Deleted %d task(s).\n", len(ids))
	},
}

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List all unique product tags",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := setup()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		tags, err := a.tasks.AllTags()
		if err != nil {
			fatal(err)
		}
		for _, tag := range tags {
			fmt.Println(tag)
		}
	},
}

func loadPrompt(promptsDir, filename, fallback string) string {
	if filename == "" {
		return fallback
	}
	data, err := os.ReadFile(filepath.Join(promptsDir, filename))
	if err != nil {
		return fallback
	}
	return string(data)
}

func parseID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fatal(fmt.Errorf("invalid task id: %s", arg))
	}
	return id
}

func parseIDs(args []string) []int64 {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		ids = append(ids, parseID(arg))
	}
	return ids
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func init() {
	newCmd.Flags().String("sku", "", "Product code / SKU (required)")
	newCmd.Flags().StringSlice("image", nil, "Path to an uploaded product photo (repeatable)")
	newCmd.Flags().String("spec-prompt", "", "Prompt template file in the prompts directory")
	newCmd.Flags().String("name-prompt", "", "Prompt template file in the prompts directory")
	newCmd.MarkFlagRequired("sku")
	newCmd.MarkFlagRequired("image")

	listCmd.Flags().String("status", "", "Filter by status")

	approveCmd.Flags().String("text", "", "Final spec sheet text (default: current text)")
	saveCmd.Flags().String("text", "", "New spec sheet text")
	saveCmd.MarkFlagRequired("text")

	redoCmd.Flags().StringP("message", "m", "", "Redo instructions")
	redoCmd.MarkFlagRequired("message")

	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(redoCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(tagsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
