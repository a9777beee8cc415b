// Command dataroom-e2e runs a contributor and a researcher through a running
// dataroom server: upload, access approval, analysis and encrypted download.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/helix-tools/dataroom/api"
	"github.com/helix-tools/dataroom/consumer"
	"github.com/helix-tools/dataroom/producer"
	"github.com/helix-tools/dataroom/types"
)

const rule = "--------------------------------------------------------------------------------"

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
}

func step(n int, title string) {
	fmt.Printf("Step %d: %s\n%s\n", n, title, rule)
}

func run(ctx context.Context) error {
	fmt.Println("================================================================================")
	fmt.Println("  DATAROOM END-TO-END TEST")
	fmt.Println("  Contributor Upload → Access Approval → Researcher Analysis")
	fmt.Println("================================================================================")
	fmt.Println("")

	endpoint := os.Getenv("DATAROOM_E2E_BASE_URL")
	if endpoint == "" {
		endpoint = api.DefaultAPIEndpoint
	}

	step(1, "Initialize Clients")
	prod, err := producer.NewProducer(ctx, types.Config{
		APIEndpoint: endpoint,
		Token:       os.Getenv("DATAROOM_E2E_CONTRIBUTOR_TOKEN"),
		Subject:     os.Getenv("DATAROOM_E2E_CONTRIBUTOR_SUBJECT"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize producer: %w", err)
	}
	cons, err := consumer.NewConsumer(ctx, consumer.Config{Config: types.Config{
		APIEndpoint: endpoint,
		Token:       os.Getenv("DATAROOM_E2E_RESEARCHER_TOKEN"),
		Subject:     os.Getenv("DATAROOM_E2E_RESEARCHER_SUBJECT"),
	}})
	if err != nil {
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}
	fmt.Printf("✅ Clients initialized against %s\n\n", endpoint)

	step(2, "Upload Dataset (Producer)")
	tmpDir, err := os.MkdirTemp("", "dataroom-e2e")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	csvPath := filepath.Join(tmpDir, "e2e_outcomes.csv")
	if err := os.WriteFile(csvPath, []byte(api.NewTestCSV()), 0644); err != nil {
		return fmt.Errorf("failed to write test file: %w", err)
	}
	opts := producer.NewUploadOptions(fmt.Sprintf("E2E Outcomes %d", time.Now().Unix()))
	opts.Description = "End-to-end test dataset"
	opts.Tags = []string{"e2e"}
	created, err := prod.UploadDataset(ctx, csvPath, opts)
	if err != nil {
		return fmt.Errorf("failed to upload dataset: %w", err)
	}
	defer func() {
		if err := prod.DeleteDataset(ctx, created.DatasetID); err != nil {
			fmt.Printf("⚠️  Failed to delete dataset %s: %v\n", created.DatasetID, err)
		}
	}()
	fmt.Printf("✅ Dataset uploaded\n   Dataset ID: %s\n   File URL: %s\n\n", created.DatasetID, created.FileURL)

	step(3, "Request and Approve Access")
	grant, err := cons.RequestAccess(ctx, created.DatasetID, "e2e analysis")
	if err != nil {
		return fmt.Errorf("failed to request access: %w", err)
	}
	if _, err := prod.ApproveAccessRequest(ctx, grant.ID); err != nil {
		return fmt.Errorf("failed to approve access: %w", err)
	}
	fmt.Printf("✅ Access request %s approved\n\n", grant.ID)

	step(4, "Analyze (Consumer)")
	mean, err := cons.Analyze(ctx, created.DatasetID, consumer.AnalyzeOptions{Op: "mean", Column: "age"})
	if err != nil {
		return fmt.Errorf("failed to analyze: %w", err)
	}
	fmt.Printf("✅ Mean age: %v\n", mean["mean"])

	filtered, err := cons.Filter(ctx, created.DatasetID, types.FilterRequest{
		AutomatedFilters: types.AutomatedFilters{RemoveDuplicates: true, RemoveMissingValues: true},
	})
	if err != nil {
		return fmt.Errorf("failed to filter: %w", err)
	}
	desc, err := cons.Descriptive(ctx, created.DatasetID, filtered.SessionID)
	if err != nil {
		return fmt.Errorf("failed to describe session: %w", err)
	}
	fmt.Printf("✅ Filter session %s kept %d rows (%d summaries)\n\n", filtered.SessionID, filtered.RowCount, len(desc))

	step(5, "Encrypted Download (Consumer)")
	out := filepath.Join(tmpDir, "export.json.gz")
	d, err := cons.DownloadDataset(ctx, created.DatasetID, out, consumer.DownloadOptions{})
	if err != nil {
		return err
	}
	env, err := consumer.DecodeEnvelope(d.Body)
	if err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}
	fmt.Printf("✅ Downloaded %s (%d bytes, %d rows, %d columns, ratio %.2f)\n\n",
		d.Filename, len(d.Body), env.RowCount, len(env.Schema), d.CompressionRatio)

	fmt.Println("================================================================================")
	fmt.Println("  ✅ DATAROOM END-TO-END TEST COMPLETE!")
	fmt.Println("================================================================================")
	return nil
}
