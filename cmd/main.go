package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"label-rag/internal/api"
	"label-rag/internal/chunker"
	"label-rag/internal/config"
	"label-rag/internal/db"
	"label-rag/internal/embedding"
	"label-rag/internal/helper"
	"label-rag/internal/llmservice"
	"label-rag/internal/parser"
	"label-rag/internal/service"
	"label-rag/internal/tui"
)

const configFilePath = "./configs/config.yaml"

func main() {
	configPath := flag.String("config", configFilePath, "Path to the YAML config file")
	filePath := flag.String("file", "", "Path to a document to ingest")
	documentID := flag.String("document", "", "Id of a persisted document to load")
	query := flag.String("query", "", "Question to answer against the document")
	sessionID := flag.String("session", "", "Conversation session id (generated when empty)")
	serve := flag.Bool("serve", false, "Start the REST server")
	interactive := flag.Bool("tui", false, "Start the terminal chat")
	dryRun := flag.Bool("dry-run", false, "Print extracted pages and chunks without indexing")
	history := flag.Int("history", 0, "Print up to N archived turns of -session and exit")
	resetArchive := flag.Bool("reset-archive", false, "Drop and recreate the transcript archive before starting")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		helper.SetupLogger("info", true)
		log.Fatal().Err(err).Msg("Error loading config")
	}
	helper.SetupLogger(cfg.Log.Level, cfg.Log.Console)
	log.Debug().Interface("rag", cfg.RAG).Str("llm", cfg.LLM.Model).Str("embedder", cfg.EmbedLLM.Model).Msg("Loaded config")

	if *dryRun {
		if *filePath == "" {
			log.Fatal().Msg("Please provide a document with the -file flag")
		}
		printChunks(cfg, *filePath)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, archive := newService(ctx, cfg)
	if archive != nil {
		defer func() {
			if err := archive.Close(); err != nil {
				log.Warn().Err(err).Msg("Error closing database")
			}
		}()
	}

	if (*resetArchive || *history > 0) && archive == nil {
		log.Fatal().Msg("The transcript archive is disabled, set database.enabled in the config")
	}
	if *resetArchive {
		if err := archive.Reset(ctx); err != nil {
			log.Fatal().Err(err).Msg("Error resetting archive")
		}
		log.Info().Msg("Archive reset")
	}
	if *history > 0 {
		if *sessionID == "" {
			log.Fatal().Msg("Please provide the session with the -session flag")
		}
		printTurns(ctx, archive, *sessionID, *history)
		return
	}

	if *serve {
		loaded := svc.LoadPersisted(ctx)
		log.Info().Int("documents", loaded).Msg("Loaded persisted documents")
		server := api.NewServer(svc, cfg.Server.AllowedOrigins, time.Duration(cfg.LLM.TimeoutSecs+30)*time.Second)
		if err := server.Run(ctx, cfg.Server.Addr); err != nil {
			log.Fatal().Err(err).Msg("Server stopped")
		}
		return
	}

	var info *service.DocumentInfo
	switch {
	case *filePath != "" && *documentID != "":
		log.Fatal().Msg("Please provide either -file or -document, but not both")
	case *filePath != "":
		info, err = svc.IngestFile(ctx, *filePath, "")
		if err != nil {
			log.Fatal().Err(err).Msg("Error ingesting document")
		}
		helper.PrettyPrint(info)
	case *documentID != "":
		info, err = svc.LoadDocument(ctx, *documentID)
		if err != nil {
			log.Fatal().Err(err).Str("document_id", *documentID).Msg("Error loading document")
		}
	default:
		log.Fatal().Msg("Please provide a document using the -file or -document flag, or start the server with -serve")
	}

	if *sessionID == "" {
		if *sessionID, err = helper.GenerateUUID(); err != nil {
			log.Fatal().Err(err).Msg("Error generating session id")
		}
	}

	switch {
	case *interactive:
		m := tui.New(svc, info.DocumentID, info.Filename, *sessionID, time.Duration(cfg.LLM.TimeoutSecs)*time.Second)
		if err := tui.Run(m); err != nil {
			log.Fatal().Err(err).Msg("Error running terminal chat")
		}
	case *query != "":
		answer, err := svc.Chat(ctx, info.DocumentID, *sessionID, *query)
		if err != nil {
			log.Fatal().Err(err).Msg("Error answering question")
		}
		log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
		fmt.Printf("%s\n\n", *query)
		log.Info().Msg("Sources: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
		for _, s := range answer.Sources {
			fmt.Printf("#%d page %d  %s  (%.3f)\n", s.Rank, s.Chunk.Metadata.Page, s.Chunk.Metadata.Section, s.Similarity)
		}
		log.Info().Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
		fmt.Printf("%s\n\n", answer.Text)
	}
}

func newService(ctx context.Context, cfg *config.Config) (*service.Service, *db.Archive) {
	embedder, err := embedding.New(&cfg.EmbedLLM)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing embedder")
	}
	llm, err := llmservice.NewClient(&cfg.LLM)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing llm client")
	}

	deps := service.Deps{Embedder: embedder, LLM: llm}
	var archive *db.Archive
	if cfg.Database.Enabled {
		archive, err = db.Open(ctx, &cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Error connecting to database")
		}
		deps.Archive = archive
	}

	svc, err := service.New(cfg, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("Error creating service")
	}
	return svc, archive
}

func printTurns(ctx context.Context, archive *db.Archive, sessionID string, limit int) {
	turns, err := archive.ListTurns(ctx, sessionID, limit)
	if err != nil {
		log.Fatal().Err(err).Msg("Error listing archived turns")
	}
	log.Info().Str("session_id", sessionID).Int("turns", len(turns)).Msg("Archived turns")
	helper.PrettyPrint(turns)
}

func printChunks(cfg *config.Config, filePath string) {
	pages, err := parser.Extract(filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error parsing document")
	}
	segmenter, err := chunker.NewSegmenter(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	if err != nil {
		log.Fatal().Err(err).Msg("Error creating segmenter")
	}
	chunks := segmenter.SegmentDocument(pages)
	log.Info().Int("pages", len(pages)).Int("chunks", len(chunks)).Msg("Parsed document")
	helper.PrettyPrint(chunks)
}
