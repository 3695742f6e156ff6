// Command zipkit is a thin command-line wrapper around the zipserve
// package, in the spirit of libzip's ziptool: enough to list, add,
// extract, and rekey entries in a ZIP archive from a shell.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/martin-sucha/zipserve"
)

var (
	log = logrus.New()

	flagPassword         string
	flagCheckConsistency bool
	flagTorrentzip       bool
	flagVerbose          bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "zipkit",
		Short:         "Inspect and mutate ZIP archives",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagVerbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&flagPassword, "password", "", "default password for encrypted entries")
	root.PersistentFlags().BoolVar(&flagCheckConsistency, "check-consistency", false, "cross-check local and central headers while opening")
	root.PersistentFlags().BoolVar(&flagTorrentzip, "torrentzip", false, "normalize to torrentzip form on commit")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(listCmd(), addCmd(), extractCmd(), rekeyCmd(), testCmd())
	return root
}

func openArchive(path string, readOnly bool) (*zipserve.Archive, error) {
	flags := zipserve.OpenFlags(0)
	if flagCheckConsistency {
		flags |= zipserve.OpenCheckConsistency
	}
	if flagTorrentzip {
		flags |= zipserve.OpenWantTorrentzip
	}
	if readOnly {
		flags |= zipserve.OpenRDOnly
	}
	src := zipserve.NewFileSource(path, !readOnly, zipserve.LengthToEnd)
	ar, err := zipserve.Open(src, flags)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if flagPassword != "" {
		ar.SetDefaultPassword(flagPassword)
	}
	return ar, nil
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list ARCHIVE",
		Short: "List archive entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ar, err := openArchive(args[0], true)
			if err != nil {
				return err
			}
			defer ar.Discard()

			for i := 0; i < ar.NumEntries(); i++ {
				e := ar.EntryAt(i)
				if e == nil || e.Deleted() {
					continue
				}
				fmt.Println(e.Name())
			}
			return nil
		},
	}
}

func addCmd() *cobra.Command {
	var method string
	cmd := &cobra.Command{
		Use:   "add ARCHIVE NAME FILE",
		Short: "Add a file to an archive",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			archivePath, name, filePath := args[0], args[1], args[2]
			ar, err := openArchive(archivePath, false)
			if err != nil {
				return err
			}
			defer func() {
				if err := ar.Discard(); err != nil {
					log.WithError(err).Warn("discard after failed add")
				}
			}()

			content := zipserve.NewFileSource(filePath, false, zipserve.LengthToEnd)
			idx, err := ar.FileAdd(name, content)
			if err != nil {
				return fmt.Errorf("add %s: %w", name, err)
			}
			if err := ar.SetCompression(idx, compressionMethod(method), 0); err != nil {
				return err
			}
			log.WithField("name", name).Debug("added entry")
			return ar.Commit()
		},
	}
	cmd.Flags().StringVar(&method, "method", "deflate", "compression method: store|deflate|bzip2|lzma|xz|zstd")
	return cmd
}

func extractCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "extract ARCHIVE",
		Short: "Extract every entry to a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ar, err := openArchive(args[0], true)
			if err != nil {
				return err
			}
			defer ar.Discard()

			for i := 0; i < ar.NumEntries(); i++ {
				e := ar.EntryAt(i)
				if e == nil || e.Deleted() {
					continue
				}
				if err := extractOne(ar, i, outDir, e.Name(), e.Mode()); err != nil {
					return fmt.Errorf("extract %s: %w", e.Name(), err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "output", "o", ".", "output directory")
	return cmd
}

func extractOne(ar *zipserve.Archive, index int, outDir, name string, mode os.FileMode) error {
	src, err := ar.OpenEntry(index, flagPassword)
	if err != nil {
		return err
	}
	if err := src.Open(); err != nil {
		return err
	}
	defer src.Close()

	dest := outDir + string(os.PathSeparator) + name
	if err := os.MkdirAll(dirOf(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return rerr
		}
	}
	if mode&os.ModePerm != 0 {
		return f.Chmod(mode & os.ModePerm)
	}
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if os.IsPathSeparator(path[i]) {
			return path[:i]
		}
	}
	return "."
}

func rekeyCmd() *cobra.Command {
	var method string
	var newPassword string
	cmd := &cobra.Command{
		Use:   "rekey ARCHIVE",
		Short: "Re-encrypt every entry with a new password/method",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ar, err := openArchive(args[0], false)
			if err != nil {
				return err
			}
			defer func() {
				if err := ar.Discard(); err != nil {
					log.WithError(err).Warn("discard after failed rekey")
				}
			}()

			for i := 0; i < ar.NumEntries(); i++ {
				e := ar.EntryAt(i)
				if e == nil || e.Deleted() {
					continue
				}
				if err := ar.SetEntryPassword(i, encryptionMethod(method), newPassword); err != nil {
					return fmt.Errorf("rekey %s: %w", e.Name(), err)
				}
			}
			return ar.Commit()
		},
	}
	cmd.Flags().StringVar(&method, "method", "aes256", "encryption method: none|pkware|aes128|aes192|aes256")
	cmd.Flags().StringVar(&newPassword, "new-password", "", "password to apply")
	return cmd
}

func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test ARCHIVE",
		Short: "Read every entry and verify its CRC-32",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ar, err := openArchive(args[0], true)
			if err != nil {
				return err
			}
			defer ar.Discard()

			failures := 0
			for i := 0; i < ar.NumEntries(); i++ {
				e := ar.EntryAt(i)
				if e == nil || e.Deleted() {
					continue
				}
				if err := verifyOne(ar, i); err != nil {
					log.WithField("name", e.Name()).WithError(err).Error("verification failed")
					failures++
					continue
				}
				log.WithField("name", e.Name()).Debug("ok")
			}
			if failures > 0 {
				return fmt.Errorf("%d entries failed verification", failures)
			}
			return nil
		},
	}
}

func verifyOne(ar *zipserve.Archive, index int) error {
	src, err := ar.OpenEntry(index, flagPassword)
	if err != nil {
		return err
	}
	if err := src.Open(); err != nil {
		return err
	}
	defer src.Close()

	buf := make([]byte, 64*1024)
	for {
		_, rerr := src.Read(buf)
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}

// Method IDs for algorithms not exported as named constants by the
// package (BZIP2, LZMA, XZ, ZSTD); see source_compress.go's algorithm
// registry for the authoritative list.
const (
	methodBzip2 uint16 = 12
	methodLZMA  uint16 = 14
	methodXZ    uint16 = 95
	methodZstd  uint16 = 93
)

func compressionMethod(name string) uint16 {
	switch name {
	case "store":
		return zipserve.Store
	case "bzip2":
		return methodBzip2
	case "lzma":
		return methodLZMA
	case "xz":
		return methodXZ
	case "zstd":
		return methodZstd
	default:
		return zipserve.Deflate
	}
}

func encryptionMethod(name string) zipserve.EncryptionMethod {
	switch name {
	case "pkware":
		return zipserve.EncryptionTraditionalPKWARE
	case "aes128":
		return zipserve.EncryptionAES128
	case "aes192":
		return zipserve.EncryptionAES192
	case "none":
		return zipserve.EncryptionNone
	default:
		return zipserve.EncryptionAES256
	}
}
