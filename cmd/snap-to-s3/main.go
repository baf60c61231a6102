// Description: This file is the entrypoint for the snap-to-s3 CLI.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/davis166/snap-to-s3/cmd/snap-to-s3/analyze"
	"github.com/davis166/snap-to-s3/cmd/snap-to-s3/migrate"
	"github.com/davis166/snap-to-s3/cmd/snap-to-s3/validate"
	"github.com/davis166/snap-to-s3/pkg/cmdutil"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Println("stacktrace from panic: \n" + string(debug.Stack()))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	log := logrus.New()

	exitCode := 0
	cli.OsExiter = func(code int) { exitCode = code }
	exit := func() {
		os.Exit(exitCode)
	}
	defer exit()

	// handle ^C gracefully: in-flight multipart uploads are aborted
	// before we go down
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		out := <-c
		log.Debugf("shutting down: %v", out)
		cancel()
	}()

	app := cli.App{
		Name: "snap-to-s3",
		Description: cmdutil.Normalize(`
			snap-to-s3 moves EBS snapshots into S3 as compressed images or
			per-partition tar archives, and validates the copies against the
			originals. It must run on an EC2 instance that is allowed to
			create and attach temporary volumes.
		`),
		EnableBashCompletion: true,
	}
	app.Commands = []*cli.Command{
		migrate.NewCmdMigrate(log),
		validate.NewCmdValidate(log),
		analyze.NewCmdAnalyze(log),
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Errorf("failed to run: %v", err)
		exitCode = 1
		return
	}
}
