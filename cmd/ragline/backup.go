package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ragline/internal/config"

	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the config and conversation cache",
		Long:  "Creates a tar.gz containing the config file and the cache database (including WAL sidecars) for migration to another machine.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, dbPath := backupPaths()

			if output == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create backup dir: %w", err)
				}
				output = filepath.Join(dir, fmt.Sprintf("ragline-backup-%s.tar.gz", time.Now().Format("20060102-150405")))
			}

			var files []string
			for _, p := range []string{cfgPath, dbPath, dbPath + "-wal", dbPath + "-shm"} {
				if _, err := os.Stat(p); err == nil {
					files = append(files, p)
				}
			}
			if len(files) == 0 {
				return fmt.Errorf("no files to backup (looked for %s and %s)", cfgPath, dbPath)
			}

			if err := createTarGz(output, files); err != nil {
				return fmt.Errorf("create archive: %w", err)
			}

			info, _ := os.Stat(output)
			fmt.Printf("Backup created: %s (%s)\n", output, humanSize(info.Size()))
			fmt.Println("Files included:")
			for _, f := range files {
				fmt.Printf("  %s\n", filepath.Base(f))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "archive path (default: ~/.ragline/backups/ragline-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var input string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [archive]",
		Short: "Restore config and cache from a backup archive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				input = args[0]
			}
			if input == "" {
				return fmt.Errorf("archive path required (positional or --input)")
			}
			if _, err := os.Stat(input); err != nil {
				return fmt.Errorf("archive not found: %s", input)
			}

			cfgPath, dbPath := backupPaths()
			if !force {
				fmt.Println("Restore will overwrite:")
				fmt.Printf("  %s\n", cfgPath)
				fmt.Printf("  %s\n", dbPath)
				return fmt.Errorf("pass --force to proceed")
			}

			restored, err := extractTarGz(input, cfgPath, dbPath)
			if err != nil {
				return fmt.Errorf("extract archive: %w", err)
			}
			fmt.Printf("Restored %d file(s) from %s\n", restored, input)
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "archive to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

// backupPaths resolves the live config and cache paths, tolerating a
// broken or missing config so backup still works before repair.
func backupPaths() (cfgPath, dbPath string) {
	cfgPath = config.ExpandPath(resolveConfigPath())
	if cfg, err := config.Load(cfgPath); err == nil && cfg.Cache.DBPath != "" {
		return cfgPath, cfg.Cache.DBPath
	}
	return cfgPath, filepath.Join(filepath.Dir(cfgPath), "cache.db")
}

func createTarGz(dest string, files []string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, file := range files {
		if err := addFileToTar(tw, file); err != nil {
			return fmt.Errorf("add %s: %w", file, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	// Base names only: extraction maps them to the live paths.
	header.Name = filepath.Base(path)
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func extractTarGz(archive, cfgPath, dbPath string) (int, error) {
	f, err := os.Open(archive)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	restored := 0
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		base := filepath.Base(header.Name)
		var target string
		switch {
		case base == "config.json":
			target = cfgPath
		case strings.HasSuffix(base, ".db"):
			target = dbPath
		case strings.HasSuffix(base, ".db-wal"):
			target = dbPath + "-wal"
		case strings.HasSuffix(base, ".db-shm"):
			target = dbPath + "-shm"
		default:
			target = filepath.Join(filepath.Dir(cfgPath), base)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return restored, err
		}
		out, err := os.Create(target)
		if err != nil {
			return restored, err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return restored, err
		}
		out.Close()
		restored++
	}
	return restored, nil
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
