package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"finbot/internal/config"
	"finbot/internal/knowledge"
	"finbot/internal/util"
	"finbot/pkg/ai"
	"finbot/pkg/storage"
	"finbot/pkg/vector"
)

// corpusFile is one corpus source: a .txt content file chunked into
// passages, or a .json file holding a document list.
type corpusFile struct {
	name string
	open func(ctx context.Context) (io.ReadCloser, error)
}

func main() {
	configPath := flag.String("config", config.ConfigPath, "path to config file")
	localPath := flag.String("path", "", "local corpus file or directory")
	minioEndpoint := flag.String("minio-endpoint", "", "MinIO endpoint (host:port)")
	minioBucket := flag.String("minio-bucket", "", "MinIO bucket holding the corpus")
	minioPrefix := flag.String("minio-prefix", "", "key prefix inside the bucket")
	minioSSL := flag.Bool("minio-ssl", false, "use TLS for MinIO")
	concurrency := flag.Int("concurrency", 4, "parallel embedding workers")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)

	if (*localPath == "") == (*minioEndpoint == "") {
		fatal(logger, "exactly one of -path or -minio-endpoint is required", nil)
	}

	embedder := ai.NewOpenAIEmbedder(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	index, err := buildIndex(cfg)
	if err != nil {
		fatal(logger, "failed to init vector index", err)
	}
	kb := knowledge.New(embedder, index, logger)

	ctx := context.Background()
	var files []corpusFile
	if *localPath != "" {
		files, err = localFiles(*localPath)
	} else {
		files, err = minioFiles(ctx, *minioEndpoint, *minioBucket, *minioPrefix, *minioSSL)
	}
	if err != nil {
		fatal(logger, "failed to list corpus", err)
	}
	if len(files) == 0 {
		fatal(logger, "no corpus files found", nil)
	}
	logger.Info("corpus listed", "files", len(files))

	var loaded, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	for _, f := range files {
		docs, err := readDocuments(ctx, f)
		if err != nil {
			logger.Error("failed to read corpus file", "file", f.name, "err", err)
			failed.Add(1)
			continue
		}
		for _, doc := range docs {
			g.Go(func() error {
				if _, err := kb.AddDocument(gctx, doc); err != nil {
					logger.Error("failed to load passage", "file", f.name, "id", doc.ID, "err", err)
					failed.Add(1)
					return nil
				}
				loaded.Add(1)
				return nil
			})
		}
	}
	_ = g.Wait()

	stats, err := index.Stats(ctx)
	if err != nil {
		logger.Warn("failed to read index stats", "err", err)
	}
	fmt.Printf("corpus load complete: %d passages loaded, %d failed, index holds %d vectors\n",
		loaded.Load(), failed.Load(), stats.VectorCount)
	if failed.Load() > 0 {
		os.Exit(1)
	}
}

func localFiles(path string) ([]corpusFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	var names []string
	if info.IsDir() {
		err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && corpusExtension(p) {
				names = append(names, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		names = []string{path}
	}
	files := make([]corpusFile, 0, len(names))
	for _, name := range names {
		files = append(files, corpusFile{
			name: name,
			open: func(context.Context) (io.ReadCloser, error) { return os.Open(name) },
		})
	}
	return files, nil
}

func minioFiles(ctx context.Context, endpoint, bucket, prefix string, useSSL bool) ([]corpusFile, error) {
	if bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	objStore, err := storage.NewMinioStore(endpoint,
		os.Getenv("MINIO_ACCESS_KEY"), os.Getenv("MINIO_SECRET_KEY"), bucket, useSSL)
	if err != nil {
		return nil, err
	}
	keys, err := objStore.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var files []corpusFile
	for _, key := range keys {
		if !corpusExtension(key) {
			continue
		}
		files = append(files, corpusFile{
			name: key,
			open: func(ctx context.Context) (io.ReadCloser, error) { return objStore.Get(ctx, key) },
		})
	}
	return files, nil
}

func corpusExtension(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".json":
		return true
	}
	return false
}

// readDocuments turns one corpus file into documents. JSON files hold a
// document list; text files are chunked, with the category taken from the
// file name.
func readDocuments(ctx context.Context, f corpusFile) ([]knowledge.Document, error) {
	r, err := f.open(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if strings.EqualFold(filepath.Ext(f.name), ".json") {
		var docs []knowledge.Document
		if err := json.NewDecoder(r).Decode(&docs); err != nil {
			return nil, fmt.Errorf("decode document list: %w", err)
		}
		return docs, nil
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	stem := strings.TrimSuffix(filepath.Base(f.name), filepath.Ext(f.name))
	chunks := knowledge.ChunkText(string(raw), knowledge.DefaultChunkSize, knowledge.DefaultChunkOverlap)
	docs := make([]knowledge.Document, 0, len(chunks))
	for i, chunk := range chunks {
		docs = append(docs, knowledge.Document{
			ID:       fmt.Sprintf("%s-%d", stem, i),
			Title:    fmt.Sprintf("%s (part %d)", stem, i+1),
			Content:  chunk,
			Source:   filepath.Base(f.name),
			Category: stem,
		})
	}
	return docs, nil
}

func buildIndex(cfg config.FileConfig) (vector.Index, error) {
	switch cfg.VectorProvider {
	case "remote":
		return vector.NewHTTPIndex(cfg.VectorIndexURL, cfg.VectorAPIKey), nil
	case "pgvector":
		dsn := cfg.VectorDatabaseURL
		if dsn == "" {
			dsn = cfg.DatabaseURL
		}
		idx, err := vector.NewPGIndex(dsn, cfg.EmbeddingDimensions)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown vector provider %q", cfg.VectorProvider)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	if err != nil {
		logger.Error(msg, "err", err)
	} else {
		logger.Error(msg)
	}
	os.Exit(1)
}
