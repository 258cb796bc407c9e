// Command objectfs-seed walks a local directory tree and uploads it into a
// Swift container, tagging each object with the fs-* metadata headers the
// mount engine expects, so a fresh container can be bulk-populated before
// (or instead of) writing through the mount one file at a time.
package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/objectfs/swiftmount/internal/config"
	"github.com/objectfs/swiftmount/internal/objectstore"
	"github.com/objectfs/swiftmount/pkg/fsnode"
	"github.com/objectfs/swiftmount/pkg/utils"
)

func usage() {
	fmt.Printf(`objectfs-seed - upload a local directory tree into a Swift container.

Usage: objectfs-seed [options] <local-dir>

Valid options:
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.StringP("config-file", "f", "", "YAML configuration file (required).")
	bucket := flag.StringP("source-bucket", "b", "", "Swift container to upload to (overrides config).")
	dryRun := flag.BoolP("dry-run", "n", false, "List what would be uploaded without uploading.")
	help := flag.BoolP("help", "h", false, "Display this help message.")
	flag.Usage = usage
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}
	if *configPath == "" || len(flag.Args()) == 0 {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\n--config-file and a local directory are both required.")
		os.Exit(1)
	}
	localDir := flag.Arg(0)

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile(*configPath); err != nil {
		fatal("loading config: %v", err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fatal("applying environment overrides: %v", err)
	}
	if *bucket != "" {
		cfg.SourceBucket = *bucket
	}

	logger := utils.NewLogger(utils.INFO, os.Stdout)

	chunkSize, err := utils.ParseBytes(cfg.Swift.ChunkSize)
	if err != nil {
		fatal("invalid swift.chunk_size %q: %v", cfg.Swift.ChunkSize, err)
	}

	ctx := context.Background()
	remote, err := objectstore.New(ctx, objectstore.Config{
		AuthURL:    cfg.Swift.AuthURL,
		Username:   cfg.Swift.Username,
		Password:   cfg.Swift.Password,
		TenantID:   cfg.Swift.TenantID,
		RegionName: cfg.Swift.RegionName,
		Container:  cfg.SourceBucket,
		ChunkSize:  chunkSize,
		Retry:      cfg.Retry,
	})
	if err != nil {
		fatal("connecting to swift: %v", err)
	}

	uploaded, failed := 0, 0
	err = filepath.WalkDir(localDir, func(fullPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			logger.Error("seed: %s: %v", fullPath, walkErr)
			failed++
			return nil
		}
		if fullPath == localDir {
			return nil
		}

		relPath := strings.TrimPrefix(strings.TrimPrefix(fullPath, localDir), "/")

		fi, err := d.Info()
		if err != nil {
			logger.Error("seed: stat %s: %v", fullPath, err)
			failed++
			return nil
		}
		sys, ok := fi.Sys().(*syscall.Stat_t)
		if !ok {
			logger.Error("seed: %s: unsupported platform stat", fullPath)
			failed++
			return nil
		}

		node, err := fsnode.FromCacheStat(relPath, fullPath, fi, sys)
		if err != nil {
			logger.Error("seed: building node for %s: %v", relPath, err)
			failed++
			return nil
		}

		if *dryRun {
			logger.Info("seed: would upload %s (%d bytes)", relPath, node.Size)
			uploaded++
			return nil
		}

		if d.IsDir() {
			if err := remote.Upload(ctx, relPath, strings.NewReader(""), 0, node); err != nil {
				logger.Error("seed: tagging directory %s: %v", relPath, err)
				failed++
			} else {
				uploaded++
			}
			return nil
		}

		if node.IsSymlink() {
			if err := remote.Upload(ctx, relPath, strings.NewReader(""), 0, node); err != nil {
				logger.Error("seed: uploading symlink %s: %v", relPath, err)
				failed++
			} else {
				uploaded++
			}
			return nil
		}

		f, err := os.Open(fullPath)
		if err != nil {
			logger.Error("seed: opening %s: %v", fullPath, err)
			failed++
			return nil
		}
		defer f.Close()

		if err := remote.Upload(ctx, relPath, f, node.Size, node); err != nil {
			logger.Error("seed: uploading %s: %v", relPath, err)
			failed++
			return nil
		}
		uploaded++
		logger.Info("seed: uploaded %s (%d bytes)", relPath, node.Size)
		return nil
	})
	if err != nil {
		fatal("walking %s: %v", localDir, err)
	}

	logger.Info("seed: done - %d uploaded, %d failed", uploaded, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
