package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Read, write, and manage files inside a devbox",
}

func init() {
	writeCmd.Flags().Bool("create-dirs", false, "create parent directories if missing")
	writeCmd.Flags().Uint32("mode", 0, "file mode to set (0 leaves the default)")
	readCmd.Flags().Int64("offset", 0, "byte offset to start reading from")
	readCmd.Flags().Int64("length", 0, "number of bytes to read (0 reads to end)")
	deleteCmd.Flags().Bool("recursive", false, "delete directories recursively")

	fileCmd.AddCommand(writeCmd, readCmd, deleteCmd, moveCmd, renameCmd, listCmd, downloadCmd, uploadCmd)
}

var writeCmd = &cobra.Command{
	Use:   "write <path>",
	Short: "Write stdin to a file in the devbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		createDirs, _ := cmd.Flags().GetBool("create-dirs")
		mode, _ := cmd.Flags().GetUint32("mode")
		return c.WriteFile(cmd.Context(), args[0], data, createDirs, mode)
	},
}

var readCmd = &cobra.Command{
	Use:   "read <path>",
	Short: "Read a file from the devbox to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		offset, _ := cmd.Flags().GetInt64("offset")
		length, _ := cmd.Flags().GetInt64("length")
		data, err := c.ReadFile(cmd.Context(), args[0], offset, length)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <path>",
	Short: "Delete a file or directory in the devbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		recursive, _ := cmd.Flags().GetBool("recursive")
		return c.DeleteFile(cmd.Context(), args[0], recursive)
	},
}

var moveCmd = &cobra.Command{
	Use:   "move <from> <to>",
	Short: "Move a file within the devbox",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()
		return c.MoveFile(cmd.Context(), args[0], args[1])
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <path> <new-name>",
	Short: "Rename a file in place",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()
		return c.RenameFile(cmd.Context(), args[0], args[1])
	},
}

var listCmd = &cobra.Command{
	Use:   "list <path>",
	Short: "List a directory's entries as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		entries, err := c.ListFiles(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(entries)
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <path> [path...]",
	Short: "Download one or more paths as a tar stream on stdout",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		rc, err := c.Download(cmd.Context(), args)
		if err != nil {
			return err
		}
		defer rc.Close()
		_, err = io.Copy(os.Stdout, rc)
		return err
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Batch-upload a tar archive read from stdin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		res, err := c.BatchUpload(cmd.Context(), os.Stdin)
		if err != nil {
			return err
		}
		fmt.Printf("extracted: %v\n", res.Extracted)
		if len(res.Rejected) > 0 {
			fmt.Printf("rejected: %v\n", res.Rejected)
		}
		return nil
	},
}
