// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"net/http"
	"time"

	"github.com/spf13/viper"

	"github.com/pdiddy/review-engine/internal/capability"
	"github.com/pdiddy/review-engine/internal/pipeline"
	"github.com/pdiddy/review-engine/pkg/types"
)

// buildConfig assembles the pipeline configuration from the config file,
// loaded secrets, and defaults. Flag overrides are applied by the caller.
func buildConfig() types.PipelineConfig {
	var cfg types.PipelineConfig

	cfg.Label = viper.GetString("label")

	cfg.Search.Query = viper.GetString("search.query")
	cfg.Search.MaxResults = viper.GetInt("search.max_results")
	cfg.Search.Email = secretDefault("openalex-email", viper.GetString("search.email"))

	cfg.Screen.Criteria = viper.GetString("screen.criteria")
	cfg.Screen.MinAbstractLength = viper.GetInt("screen.min_abstract_length")
	cfg.Screen.Model = viper.GetString("screen.model")
	cfg.Screen.APIKey = secretDefault("gemini-api-key", viper.GetString("screen.api_key"))

	cfg.Resolve.Email = secretDefault("unpaywall-email", viper.GetString("resolve.email"))

	cfg.Extract.Instructions = viper.GetString("extract.instructions")
	cfg.Extract.Concurrency = viper.GetInt("extract.concurrency")
	cfg.Extract.Model = viper.GetString("extract.model")
	cfg.Extract.APIKey = secretDefault("gemini-api-key", viper.GetString("extract.api_key"))

	cfg.Workspace.BaseDir = baseDir()
	cfg.Logging.Level = viper.GetString("logging.level")
	cfg.Logging.Format = viper.GetString("logging.format")

	cfg.ApplyDefaults()
	return cfg
}

// buildCapabilities wires the production service adapters.
func buildCapabilities(cfg types.PipelineConfig) pipeline.Capabilities {
	screener := &capability.GeminiClient{
		APIKey: cfg.Screen.APIKey,
		Model:  cfg.Screen.Model,
		Client: &http.Client{Timeout: 60 * time.Second},
	}

	// Extraction sends whole PDFs inline; give it a longer deadline.
	extractor := &capability.GeminiClient{
		APIKey: cfg.Extract.APIKey,
		Model:  cfg.Extract.Model,
		Client: &http.Client{Timeout: 5 * time.Minute},
	}

	return pipeline.Capabilities{
		Search: &capability.OpenAlexSource{
			Client:    &http.Client{Timeout: cfg.Search.Timeout},
			Email:     cfg.Search.Email,
			UserAgent: cfg.Search.UserAgent,
		},
		Classifier: screener,
		Resolver: &capability.UnpaywallResolver{
			Client:    &http.Client{Timeout: cfg.Resolve.Timeout},
			Email:     cfg.Resolve.Email,
			UserAgent: cfg.Resolve.UserAgent,
		},
		Fetcher: &capability.HTTPFetcher{
			Client:    &http.Client{Timeout: cfg.Download.Timeout},
			UserAgent: cfg.Download.UserAgent,
		},
		Extractor: extractor,
	}
}
