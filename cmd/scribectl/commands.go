package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/medrex/scribe/internal/notes"
	"github.com/medrex/scribe/pkg/config"
	"github.com/medrex/scribe/pkg/database"
	"github.com/medrex/scribe/pkg/encryption"
	"github.com/medrex/scribe/pkg/extractor"
	"github.com/medrex/scribe/pkg/logger"
	"github.com/medrex/scribe/pkg/rbac"
	"github.com/medrex/scribe/pkg/types"
	"github.com/medrex/scribe/pkg/validation"
)

// exitBlocked is returned by validate when the content has critical findings
const exitBlocked = 2

// exitError ends the process with a specific status after output was written
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "scribectl",
		Short:         "Operate the clinical documentation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("rules", "", "Path to a safety rules file (defaults to the built-in rules)")

	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(vocabularyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}

func loadValidator(cmd *cobra.Command) (*validation.Validator, error) {
	path, _ := cmd.Flags().GetString("rules")
	if path == "" {
		return validation.NewDefault()
	}
	rules, err := validation.LoadRules(path)
	if err != nil {
		return nil, err
	}
	return validation.New(rules), nil
}

type validateOutput struct {
	Outcome    validation.Outcome        `json:"outcome"`
	Extraction *types.ScribeError        `json:"extraction_error,omitempty"`
	Content    *types.NoteContent        `json:"content,omitempty"`
	Findings   []types.ValidationFinding `json:"findings"`
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [file|-]",
		Short: "Extract and validate raw model output",
		Long: "Reads raw model output from a file or stdin, extracts the structured payload, " +
			"runs the safety validator and prints the result as JSON. Exits with status 2 " +
			"when the content would be blocked.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docType, _ := cmd.Flags().GetString("type")
			lang, _ := cmd.Flags().GetString("lang")

			validator, err := loadValidator(cmd)
			if err != nil {
				return err
			}

			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}

			content, err := extractor.Extract(string(raw), types.DocumentType(docType))
			if err != nil {
				se, ok := types.AsScribeError(err)
				if !ok {
					return err
				}
				if werr := writeJSON(cmd.OutOrStdout(), validateOutput{Extraction: se, Findings: []types.ValidationFinding{}}); werr != nil {
					return werr
				}
				return &exitError{code: 1}
			}

			report := validator.Validate(*content, types.Language(lang))
			out := validateOutput{
				Outcome:  report.Outcome(),
				Content:  &report.Content,
				Findings: report.Findings,
			}
			if out.Findings == nil {
				out.Findings = []types.ValidationFinding{}
			}
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if report.Outcome() == validation.OutcomeBlocked {
				return &exitError{code: exitBlocked}
			}
			return nil
		},
	}
	cmd.Flags().String("type", string(types.DocumentTypeSOAPNote), "Document type (soap_note, imaging_summary, lab_summary)")
	cmd.Flags().String("lang", string(types.LanguageEnglish), "Document language (en, es)")
	return cmd
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	return data, nil
}

func vocabularyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vocabulary",
		Short: "List the forbidden phrases configured for a document type",
		RunE: func(cmd *cobra.Command, args []string) error {
			docType, _ := cmd.Flags().GetString("type")
			lang, _ := cmd.Flags().GetString("lang")

			validator, err := loadValidator(cmd)
			if err != nil {
				return err
			}
			profile, ok := validator.Rules().Profile(types.DocumentType(docType))
			if !ok {
				return fmt.Errorf("no safety rules for document type %q", docType)
			}
			if _, ok := profile.Vocabulary[types.Language(lang)]; !ok {
				return fmt.Errorf("no vocabulary for %s in language %q", docType, lang)
			}

			w := cmd.OutOrStdout()
			for _, category := range validation.Categories {
				phrases := profile.Phrases(types.Language(lang), category)
				if len(phrases) == 0 {
					continue
				}
				fmt.Fprintf(w, "%s:\n", category)
				for _, p := range phrases {
					fmt.Fprintf(w, "  %s\n", p)
				}
			}
			if d, ok := profile.Disclosure[types.Language(lang)]; ok && profile.RequiresDisclosure {
				fmt.Fprintf(w, "disclosure (%s):\n  %s\n", d.Version, d.Text)
			}
			return nil
		},
	}
	cmd.Flags().String("type", string(types.DocumentTypeSOAPNote), "Document type")
	cmd.Flags().String("lang", string(types.LanguageEnglish), "Language")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token CLINICIAN_ID",
		Short: "Issue a clinician bearer token signed with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.LoadFile(cfgPath)
			if err != nil {
				return err
			}
			tokens := notes.NewTokenValidator(cfg.JWT.SecretKey, cfg.JWT.Issuer, cfg.JWT.Audience)
			token, err := tokens.Issue(args[0], "", role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("config", "", "Path to the service configuration file")
	cmd.Flags().String("role", rbac.RoleConsultingDoctor, "Role claim")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random base64 encryption key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := encryption.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL document schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadFile(cfgPath)
			if err != nil {
				return err
			}

			log := logger.New(cfg.LogLevel)
			db, err := database.NewConnection(&cfg.Database, log)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := db.CreateSchema(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
	cmd.Flags().String("config", "", "Path to the service configuration file")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
