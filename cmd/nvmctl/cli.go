package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/urfave/cli/v2"

	"github.com/zacheryvaughn/network-volume-manager/core/uploader"
)

func newClient(ctx *cli.Context) *uploader.Client {
	return uploader.NewClient(ctx.String("server-url"))
}

func commands() []*cli.Command {
	return []*cli.Command{
		uploadCmd,
		listCmd,
		searchCmd,
		mkdirCmd,
		renameCmd,
		deleteCmd,
		moveCmd,
		cdCmd,
	}
}

var uploadCmd = &cli.Command{
	Name:  "upload",
	Usage: "Upload a file, chunked and resumable for large files",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "file-path",
			Required: true,
			Usage:    "Path to the local file to upload",
		},
		&cli.StringFlag{
			Name:  "dest",
			Usage: "Destination directory on the volume, relative to the root",
		},
		&cli.Int64Flag{
			Name:  "chunk-size",
			Value: uploader.DefaultConfig().ChunkSize,
			Usage: "Chunk size in bytes",
		},
		&cli.IntFlag{
			Name:  "parallel",
			Value: uploader.DefaultConfig().MaxParallel,
			Usage: "Maximum chunk uploads in flight",
		},
		&cli.IntFlag{
			Name:  "retries",
			Value: uploader.DefaultConfig().MaxRetries,
			Usage: "Attempts per chunk before the upload fails",
		},
		&cli.DurationFlag{
			Name:  "base-delay",
			Value: uploader.DefaultConfig().BaseDelay,
			Usage: "Backoff delay after the first chunk failure",
		},
		&cli.DurationFlag{
			Name:  "max-delay",
			Value: uploader.DefaultConfig().MaxDelay,
			Usage: "Backoff delay ceiling",
		},
		&cli.Int64Flag{
			Name:  "single-shot-threshold",
			Value: uploader.DefaultConfig().SingleShotThreshold,
			Usage: "Files at or below this size upload in one request",
		},
		&cli.Int64Flag{
			Name:  "max-file-size",
			Value: uploader.DefaultConfig().MaxFileSize,
			Usage: "Refuse to upload files larger than this",
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg := uploader.DefaultConfig()
		cfg.ChunkSize = ctx.Int64("chunk-size")
		cfg.MaxParallel = ctx.Int("parallel")
		cfg.MaxRetries = ctx.Int("retries")
		cfg.BaseDelay = ctx.Duration("base-delay")
		cfg.MaxDelay = ctx.Duration("max-delay")
		cfg.SingleShotThreshold = ctx.Int64("single-shot-threshold")
		cfg.MaxFileSize = ctx.Int64("max-file-size")

		up := uploader.New(newClient(ctx), cfg)

		cctx, cancel := context.WithCancel(ctx.Context)
		defer cancel()

		session := up.Start(cctx, ctx.String("file-path"), ctx.String("dest"))
		session.OnProgress(func(p uploader.Progress) {
			fmt.Printf("\rchunks %d/%d  %d/%d bytes", p.CompletedChunks, p.TotalChunks, p.BytesTransferred, p.TotalBytes)
		})

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		defer signal.Stop(interrupt)
		go func() {
			<-interrupt
			session.Cancel()
		}()

		result := session.Wait()
		fmt.Println()

		switch {
		case result.Canceled:
			fmt.Println("upload canceled")
		case result.Err != nil:
			return result.Err
		default:
			fmt.Println("uploaded to", result.Path)
		}

		return nil
	},
}

var listCmd = &cli.Command{
	Name:      "list",
	Usage:     "List a directory on the volume",
	ArgsUsage: "[path]",
	Action: func(ctx *cli.Context) error {
		listing, err := newClient(ctx).List(ctx.Context, ctx.Args().First())
		if err != nil {
			return err
		}

		for _, folder := range listing.Folders {
			fmt.Println(folder + "/")
		}
		for _, file := range listing.Files {
			fmt.Println(file)
		}

		return nil
	},
}

var searchCmd = &cli.Command{
	Name:      "search",
	Usage:     "Search files and folders by name",
	ArgsUsage: "<query>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "folders-only",
			Usage: "Only match folders",
		},
	},
	Action: func(ctx *cli.Context) error {
		result, err := newClient(ctx).Search(ctx.Context, ctx.Args().First(), ctx.Bool("folders-only"))
		if err != nil {
			return err
		}

		for _, folder := range result.Folders {
			fmt.Println(folder.Path + "/")
		}
		for _, file := range result.Files {
			fmt.Printf("%s\t%d\n", file.Path, file.Size)
		}

		return nil
	},
}

var mkdirCmd = &cli.Command{
	Name:      "mkdir",
	Usage:     "Create a folder",
	ArgsUsage: "<dir> [name]",
	Action: func(ctx *cli.Context) error {
		return newClient(ctx).CreateFolder(ctx.Context, ctx.Args().Get(0), ctx.Args().Get(1))
	},
}

var renameCmd = &cli.Command{
	Name:      "rename",
	Usage:     "Rename an item within a directory",
	ArgsUsage: "<dir> <old-name> <new-name>",
	Action: func(ctx *cli.Context) error {
		return newClient(ctx).Rename(ctx.Context, ctx.Args().Get(0), ctx.Args().Get(1), ctx.Args().Get(2))
	},
}

var deleteCmd = &cli.Command{
	Name:      "rm",
	Usage:     "Delete a file or folder (folders recursively)",
	ArgsUsage: "<dir> <item-name>",
	Action: func(ctx *cli.Context) error {
		return newClient(ctx).Delete(ctx.Context, ctx.Args().Get(0), ctx.Args().Get(1))
	},
}

var moveCmd = &cli.Command{
	Name:      "mv",
	Usage:     "Move an item into another directory",
	ArgsUsage: "<dir> <item-name> <destination>",
	Action: func(ctx *cli.Context) error {
		return newClient(ctx).Move(ctx.Context, ctx.Args().Get(0), ctx.Args().Get(1), ctx.Args().Get(2))
	},
}

var cdCmd = &cli.Command{
	Name:      "cd",
	Usage:     "Rebind the server's volume root",
	ArgsUsage: "<path>",
	Action: func(ctx *cli.Context) error {
		return newClient(ctx).ChangeDirectory(ctx.Context, ctx.Args().First())
	},
}
