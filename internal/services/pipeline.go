package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wmcube/echequeflow/internal/gcp"
	"github.com/wmcube/echequeflow/internal/models"
	"github.com/wmcube/echequeflow/internal/msgraph"
	"github.com/wmcube/echequeflow/internal/throttle"
)

// PipelineConfig holds everything the extraction-to-delivery pipeline needs
// from the environment.
type PipelineConfig struct {
	ProjectID      string
	VertexAIRegion string
	PromptOverride string
	AliasTablePath string

	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphGroupID      string

	WMCFolderID       string
	WMCFolderPath     string
	NomineeFolderID   string
	NomineeFolderPath string
}

// LoadPipelineConfig reads and validates pipeline configuration from the
// environment.
func LoadPipelineConfig() (*PipelineConfig, error) {
	cfg := &PipelineConfig{
		ProjectID:      gcp.GetEnv("PROJECT_ID", ""),
		VertexAIRegion: gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		PromptOverride: gcp.GetEnv("EXTRACTION_PROMPT_OVERRIDE", ""),
		AliasTablePath: gcp.GetEnv("PAYEE_MAPPING_FILE", "payee_mappings.csv"),

		GraphTenantID:     gcp.GetEnv("GRAPH_TENANT_ID", ""),
		GraphClientID:     gcp.GetEnv("GRAPH_CLIENT_ID", ""),
		GraphClientSecret: gcp.GetEnv("GRAPH_CLIENT_SECRET", ""),
		GraphGroupID:      gcp.GetEnv("GRAPH_GROUP_ID", ""),

		WMCFolderID:       gcp.GetEnv("WMC_ECHEQUE_FOLDER_ID", ""),
		WMCFolderPath:     gcp.GetEnv("WMC_ECHEQUE_FOLDER_PATH", "Finance Staff/Bank/Cashflow/WMC E-cheque"),
		NomineeFolderID:   gcp.GetEnv("NOMINEE_ECHEQUE_FOLDER_ID", ""),
		NomineeFolderPath: gcp.GetEnv("NOMINEE_ECHEQUE_FOLDER_PATH", "Finance Staff/Bank/E cheque WMC Nominee"),
	}

	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("%w: PROJECT_ID environment variable must be set", ErrConfig)
	}
	if cfg.GraphTenantID == "" || cfg.GraphClientID == "" || cfg.GraphClientSecret == "" {
		return nil, fmt.Errorf("%w: GRAPH_TENANT_ID, GRAPH_CLIENT_ID and GRAPH_CLIENT_SECRET must all be set", ErrConfig)
	}
	if cfg.GraphGroupID == "" || cfg.WMCFolderID == "" || cfg.NomineeFolderID == "" {
		return nil, fmt.Errorf("GRAPH_GROUP_ID, WMC_ECHEQUE_FOLDER_ID and NOMINEE_ECHEQUE_FOLDER_ID must all be set")
	}
	return cfg, nil
}

// Pipeline is the assembled extraction-to-delivery pipeline plus the clients
// it owns.
type Pipeline struct {
	Orchestrator *Orchestrator
	Config       *PipelineConfig

	vertexClient *gcp.VertexClient
}

// NewPipeline builds the full pipeline from environment configuration:
// Vertex extractor behind the retry controller, Graph delivery protocol, and
// the batch orchestrator over both.
func NewPipeline(ctx context.Context) (*Pipeline, error) {
	cfg, err := LoadPipelineConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	vertexClient, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.VertexAIRegion)
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}

	graphClient, err := msgraph.NewClient(ctx, msgraph.Config{
		TenantID:     cfg.GraphTenantID,
		ClientID:     cfg.GraphClientID,
		ClientSecret: cfg.GraphClientSecret,
	})
	if err != nil {
		vertexClient.Close()
		return nil, fmt.Errorf("failed to create graph client: %w", err)
	}

	aliases, err := LoadAliasTable(cfg.AliasTablePath)
	if err != nil {
		vertexClient.Close()
		return nil, err
	}
	slog.Info("Payee alias table loaded.", "path", cfg.AliasTablePath, "entries", len(aliases))

	extractor := NewExtractor(vertexClient, throttle.NewController(), cfg.PromptOverride)
	delivery := NewDelivery(graphClient, cfg.GraphGroupID, map[models.FolderClass]FolderTarget{
		models.FolderWMCEcheque:     {ID: cfg.WMCFolderID, Path: cfg.WMCFolderPath},
		models.FolderNomineeEcheque: {ID: cfg.NomineeFolderID, Path: cfg.NomineeFolderPath},
	})

	return &Pipeline{
		Orchestrator: NewOrchestrator(extractor, delivery, aliases),
		Config:       cfg,
		vertexClient: vertexClient,
	}, nil
}

func (p *Pipeline) Close() error {
	return p.vertexClient.Close()
}
