package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lgreene/gravix-files/internal/config"
	"github.com/lgreene/gravix-files/pkg/filestore"
)

type app struct {
	configPath string
	retries    int

	provider *filestore.Provider
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "filestore",
		Short:         "Upload, fetch and delete files in the configured storage backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to a YAML config file")
	root.PersistentFlags().IntVar(&a.retries, "retries", 0, "Retry transient failures this many times")

	root.AddCommand(
		a.uploadCmd(),
		a.deleteCmd(),
		a.getCmd(),
		a.streamCmd(),
		a.urlCmd(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	a.provider, err = filestore.New(cmd.Context(), cfg.Storage, filestore.WithLogger(logger))
	return err
}

func (a *app) uploadCmd() *cobra.Command {
	var mimeType, name string
	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a local file and print its key and URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if name == "" {
				name = filepath.Base(args[0])
			}
			if mimeType == "" {
				mimeType = mime.TypeByExtension(filepath.Ext(name))
			}

			var res *filestore.FileResult
			err = filestore.Retry(cmd.Context(), "upload", a.retries, func() error {
				if _, err := f.Seek(0, io.SeekStart); err != nil {
					return err
				}
				res, err = a.provider.Upload(cmd.Context(), filestore.UploadInput{
					Filename: name,
					Content:  f,
					MimeType: mimeType,
				})
				return err
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&mimeType, "mime", "", "Content type (derived from the extension when empty)")
	cmd.Flags().StringVar(&name, "name", "", "Original filename to derive the key from (defaults to the file's base name)")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a stored file; missing keys are not an error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := filestore.Retry(cmd.Context(), "delete", a.retries, func() error {
				return a.provider.Delete(cmd.Context(), args[0])
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func (a *app) getCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read a whole file into memory and write it out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			err := filestore.Retry(cmd.Context(), "get", a.retries, func() error {
				var err error
				data, err = a.provider.GetAsBuffer(cmd.Context(), args[0])
				return err
			})
			if err != nil {
				return err
			}
			if output != "" {
				return os.WriteFile(output, data, 0644)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func (a *app) streamCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "stream <key>",
		Short: "Stream a file without buffering it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rc io.ReadCloser
			err := filestore.Retry(cmd.Context(), "stream", a.retries, func() error {
				var err error
				rc, err = a.provider.GetDownloadStream(cmd.Context(), args[0])
				return err
			})
			if err != nil {
				return err
			}
			defer rc.Close()

			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			_, err = io.Copy(w, rc)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func (a *app) urlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "url <key>",
		Short: "Print a time-limited download URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var u string
			err := filestore.Retry(cmd.Context(), "url", a.retries, func() error {
				var err error
				u, err = a.provider.GetPresignedDownloadURL(cmd.Context(), args[0])
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
}
