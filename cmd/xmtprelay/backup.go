package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"

	"xmtprelay/internal/config"
)

// backupPaths are the files a backup covers.
type backupPaths struct {
	Config    string
	DB        string
	Character string // empty when the built-in character is used
}

func resolveBackupPaths() (backupPaths, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return backupPaths{}, fmt.Errorf("load config: %w", err)
	}
	return backupPaths{
		Config:    config.ExpandPath(resolveConfigPath()),
		DB:        cfg.Memory.DBPath,
		Character: cfg.Agent.CharacterPath,
	}, nil
}

func backupCmd() *cobra.Command {
	var outputPath string
	var recipientKeys []string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of the memory database, config and character",
		Long: `Creates a compressed .tar.gz archive containing the SQLite memory database,
the configuration file and the character file. The backup is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := resolveBackupPaths()
			if err != nil {
				return err
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("xmtprelay-backup-%s.tar.gz", ts))
				if len(recipientKeys) > 0 {
					outputPath += ".age"
				}
			}

			recipients, err := parseRecipients(recipientKeys)
			if err != nil {
				return err
			}

			files := collectBackupFiles(paths)
			if len(files) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", paths.DB, paths.Config)
			}

			if err := createTarGz(outputPath, files, recipients...); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(files))
			for _, f := range files {
				var size uint64
				if info, err := os.Stat(f); err == nil {
					size = uint64(info.Size())
				}
				fmt.Printf("  - %s (%s)\n", filepath.Base(f), humanize.IBytes(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.xmtprelay/backups/xmtprelay-backup-<timestamp>.tar.gz)")
	cmd.Flags().StringSliceVarP(&recipientKeys, "recipient", "r", nil, "encrypt the archive to this age public key (age1...); repeatable")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool
	var identityPath string

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore the memory database, config and character from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := resolveBackupPaths()
			if err != nil {
				return err
			}

			if !force {
				for _, p := range []string{paths.DB, paths.Config} {
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("WARNING: This will overwrite existing data.\n")
						fmt.Printf("  Database: %s\n", paths.DB)
						fmt.Printf("  Config:   %s\n", paths.Config)
						return fmt.Errorf("restore aborted (use --force to proceed)")
					}
				}
			}

			var identities []age.Identity
			if identityPath != "" {
				if identities, err = loadIdentities(identityPath); err != nil {
					return err
				}
			}

			restored, err := extractTarGz(args[0], paths, identities...)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	cmd.Flags().StringVarP(&identityPath, "identity", "i", "", "age identity file for encrypted backups")
	return cmd
}

func parseRecipients(keys []string) ([]age.Recipient, error) {
	out := make([]age.Recipient, 0, len(keys))
	for _, k := range keys {
		r, err := age.ParseX25519Recipient(k)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient %q: %w", k, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func loadIdentities(path string) ([]age.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer f.Close()
	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", path, err)
	}
	return ids, nil
}

func collectBackupFiles(paths backupPaths) []string {
	var files []string
	if _, err := os.Stat(paths.DB); err == nil {
		files = append(files, paths.DB)
		for _, suffix := range []string{"-wal", "-shm"} {
			if _, err := os.Stat(paths.DB + suffix); err == nil {
				files = append(files, paths.DB+suffix)
			}
		}
	}
	for _, p := range []string{paths.Config, paths.Character} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			files = append(files, p)
		}
	}
	return files
}

// createTarGz creates a .tar.gz archive from the given files, stored by
// base name. With recipients the archive is age-encrypted to them.
func createTarGz(outputPath string, files []string, recipients ...age.Recipient) error {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer outFile.Close()

	var sink io.WriteCloser = nopWriteCloser{outFile}
	if len(recipients) > 0 {
		if sink, err = age.Encrypt(outFile, recipients...); err != nil {
			return fmt.Errorf("creating age encryptor: %w", err)
		}
	}
	gzWriter := gzip.NewWriter(sink)
	tarWriter := tar.NewWriter(gzWriter)

	for _, filePath := range files {
		if err := addFileToTar(tarWriter, filePath); err != nil {
			return fmt.Errorf("add %s: %w", filePath, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	if err := gzWriter.Close(); err != nil {
		return err
	}
	if err := sink.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	return outFile.Close()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func addFileToTar(tw *tar.Writer, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(filePath)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz maps each archived file back to its configured location.
// Identities are required for archives created with recipients.
func extractTarGz(archivePath string, paths backupPaths, identities ...age.Identity) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var src io.Reader = file
	if len(identities) > 0 {
		if src, err = age.Decrypt(file, identities...); err != nil {
			return nil, fmt.Errorf("decrypting backup: %w", err)
		}
	}

	gzReader, err := gzip.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		baseName := filepath.Base(header.Name)
		var targetPath string
		switch {
		case baseName == filepath.Base(paths.Config):
			targetPath = paths.Config
		case strings.HasSuffix(baseName, ".db"):
			targetPath = paths.DB
		case strings.HasSuffix(baseName, ".db-wal"):
			targetPath = paths.DB + "-wal"
		case strings.HasSuffix(baseName, ".db-shm"):
			targetPath = paths.DB + "-shm"
		case paths.Character != "" && baseName == filepath.Base(paths.Character):
			targetPath = paths.Character
		default:
			targetPath = filepath.Join(filepath.Dir(paths.Config), baseName)
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}
		outFile, err := os.Create(targetPath)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()
		restored = append(restored, targetPath)
	}
	return restored, nil
}
