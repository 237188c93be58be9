package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/ternarybob/kbchat/internal/app"
	"github.com/ternarybob/kbchat/internal/models"
	"github.com/ternarybob/kbchat/internal/services/documents"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a file into a knowledge base",
	Long:  `Reads a file, normalizes and chunks it, and indexes it into the given tenant knowledge base.`,
	RunE:  runIngest,
}

var (
	ingestTenant string
	ingestKB     string
	ingestFile   string
	ingestType   string
	ingestTitle  string
	ingestDocID  string
)

func init() {
	ingestCmd.Flags().StringVar(&ingestTenant, "tenant", "", "Tenant id (required)")
	ingestCmd.Flags().StringVar(&ingestKB, "kb", "", "Knowledge base id (required)")
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "File to ingest (required)")
	ingestCmd.Flags().StringVar(&ingestType, "type", "", "Document type: text, html, markdown, structured, rich_text (default from extension)")
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "Document title (default file name)")
	ingestCmd.Flags().StringVar(&ingestDocID, "id", "", "Existing document id to replace")
	_ = ingestCmd.MarkFlagRequired("tenant")
	_ = ingestCmd.MarkFlagRequired("kb")
	_ = ingestCmd.MarkFlagRequired("file")
}

func runIngest(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	content, err := os.ReadFile(ingestFile)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", ingestFile, err)
	}

	docType := models.DocumentType(ingestType)
	if docType == "" {
		docType = documentTypeForFile(ingestFile)
	}
	if !docType.Valid() {
		return fmt.Errorf("unsupported document type %q", docType)
	}

	title := ingestTitle
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(ingestFile), filepath.Ext(ingestFile))
	}

	// Maintenance jobs have no business running during a one-shot ingest
	config.Scheduler.Enabled = false

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	application, err := app.New(ctx, config, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer application.Close()

	doc, err := application.DocumentService.Ingest(ctx, ingestTenant, ingestKB, &documents.IngestRequest{
		DocumentID: ingestDocID,
		Title:      title,
		Type:       docType,
		Content:    string(content),
	})
	if err != nil {
		return err
	}

	fmt.Printf("Ingested %s into %s/%s: %d chunks (status %s)\n", doc.ID, ingestTenant, ingestKB, doc.ChunkCount, doc.Status)
	return nil
}

// documentTypeForFile guesses the document type from the file extension
func documentTypeForFile(path string) models.DocumentType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return models.DocumentTypeHTML
	case ".md", ".markdown":
		return models.DocumentTypeMarkdown
	case ".json":
		return models.DocumentTypeStructured
	case ".xhtml":
		return models.DocumentTypeRichText
	default:
		return models.DocumentTypeText
	}
}
