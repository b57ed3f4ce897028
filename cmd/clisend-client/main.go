package main

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/clisend/clisend/pkg/client"
	"github.com/clisend/clisend/pkg/protocol"
)

func main() {
	app := &cli.App{
		Name:      "clisend-client",
		Usage:     "interactive client for a clisend file server",
		ArgsUsage: "<alias>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Usage:   "server address",
				Value:   "localhost",
				EnvVars: []string{"CLISEND_HOST"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "server port",
				Value:   65432,
				EnvVars: []string{"CLISEND_PORT"},
			},
			&cli.StringFlag{
				Name:    "download-dir",
				Aliases: []string{"d"},
				Usage:   "directory for downloaded files",
				Value:   "./downloads",
			},
		},
		Action: runInteractive,
	}

	if err := app.Run(os.Args); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func runInteractive(c *cli.Context) error {
	alias := c.Args().First()
	if alias == "" {
		return fmt.Errorf("an alias is required: clisend-client <alias>")
	}

	downloadDir, err := filepath.Abs(c.String("download-dir"))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", c.String("host"), c.Int("port"))
	fmt.Printf("connecting to %s as %q...\n", addr, alias)

	cl, err := client.Dial(addr, alias, client.Options{})
	if err != nil {
		return err
	}
	color.Green("connected (session %s)", cl.SessionID())
	printHelp()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("%s ", color.BlueString("clisend>"))
		if !scanner.Scan() {
			cl.Exit()
			return nil
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, arg := fields[0], ""
		if len(fields) > 1 {
			arg = fields[1]
		}

		switch cmd {
		case "ls":
			doList(cl, arg)
		case "cp":
			doDownload(cl, arg, downloadDir, false)
		case "cut":
			doDownload(cl, arg, downloadDir, true)
		case "put":
			doPut(cl, arg)
		case "rm":
			doRemove(cl, arg)
		case "help":
			printHelp()
		case "exit", "quit":
			if err := cl.Exit(); err != nil {
				color.Red("exit: %v", err)
			}
			return nil
		default:
			color.Yellow("unknown command %q (try help)", cmd)
		}
	}
}

func printHelp() {
	fmt.Println(`
commands:
  ls [path]      list files on the server
  cp <file>      download a file
  put <file>     upload a local file
  rm <file>      delete a file on the server
  cut <file>     download a file, then delete it on the server
  help           show this help
  exit           disconnect`)
}

func doList(cl *client.Client, arg string) {
	entries, err := cl.List(arg)
	if err != nil {
		printError(err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("  (empty)")
		return
	}
	for _, e := range entries {
		if e.IsDir {
			fmt.Printf("  %-40s %10s\n", color.CyanString(e.Name+"/"), "-")
		} else {
			fmt.Printf("  %-40s %10s\n", e.Name, humanSize(e.Size))
		}
	}
}

func doDownload(cl *client.Client, arg, downloadDir string, cut bool) {
	if arg == "" {
		color.Yellow("usage: cp|cut <file>")
		return
	}

	local := filepath.Join(downloadDir, path.Base(filepath.ToSlash(arg)))
	f, err := os.Create(local)
	if err != nil {
		color.Red("create %s: %v", local, err)
		return
	}
	defer f.Close()

	var n int64
	if cut {
		n, err = cl.Cut(arg, f, printProgress)
	} else {
		n, err = cl.Copy(arg, f, printProgress)
	}
	fmt.Println()
	if err != nil {
		printError(err)
		os.Remove(local)
		return
	}
	color.Green("saved %s (%s)", local, humanSize(n))
	if cut {
		color.Green("removed %s from the server", arg)
	}
}

func doPut(cl *client.Client, arg string) {
	if arg == "" {
		color.Yellow("usage: put <file>")
		return
	}

	f, err := os.Open(arg)
	if err != nil {
		color.Red("open %s: %v", arg, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		color.Red("stat %s: %v", arg, err)
		return
	}

	remote := filepath.Base(arg)
	if err := cl.Put(remote, f, info.Size(), printProgress); err != nil {
		fmt.Println()
		printError(err)
		return
	}
	fmt.Println()
	color.Green("uploaded %s (%s)", remote, humanSize(info.Size()))
}

func doRemove(cl *client.Client, arg string) {
	if arg == "" {
		color.Yellow("usage: rm <file>")
		return
	}
	if err := cl.Remove(arg); err != nil {
		printError(err)
		return
	}
	color.Green("removed %s", arg)
}

func printError(err error) {
	if re, ok := protocol.AsReasonError(err); ok {
		color.Red("%s: %s", re.Reason, re.Detail)
		return
	}
	color.Red("%v", err)
}

func printProgress(done, total int64) {
	if total <= 0 {
		return
	}
	const width = 30
	filled := int(int64(width) * done / total)
	bar := strings.Repeat("#", filled) + strings.Repeat("-", width-filled)
	fmt.Printf("\r  [%s] %s / %s", bar, humanSize(done), humanSize(total))
}

func humanSize(n int64) string {
	switch {
	case n < 1<<10:
		return fmt.Sprintf("%d B", n)
	case n < 1<<20:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	case n < 1<<30:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	default:
		return fmt.Sprintf("%.1f GB", float64(n)/(1<<30))
	}
}
