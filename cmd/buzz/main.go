/*
 * This file is part of Buzz (https://github.com/buzzcore/buzz).
 * Copyright (C) 2025 Buzz Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/buzzcore/buzz/internal/config"
	"github.com/buzzcore/buzz/internal/core"
	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/logging"
)

const (
	defaultModel  = "whisper:tiny"
	defaultFormat = domain.FormatTXT
	closeTimeout  = 10 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return errs.ExitUsage
	}

	// Initialize structured logging
	if err := logging.InitializeWithConfig(logging.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}); err != nil {
		fmt.Fprintf(stderr, "Failed to initialize logging: %v\n", err)
		return errs.ExitFailure
	}
	defer logging.Close()

	if len(args) == 0 {
		usage(stderr)
		return errs.ExitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := &CLI{cfg: cfg, stdout: stdout, stderr: stderr}
	command, rest := args[0], args[1:]
	switch command {
	case "transcribe":
		err = cli.transcribe(ctx, rest)
	case "watch":
		err = cli.watch(ctx, rest)
	case "record":
		err = cli.record(ctx, rest)
	case "list":
		err = cli.list(ctx, rest)
	case "models":
		err = cli.models(ctx, rest)
	case "help", "-h", "--help":
		usage(stdout)
		return errs.ExitOK
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n", command)
		usage(stderr)
		return errs.ExitUsage
	}

	if errors.Is(err, flag.ErrHelp) {
		return errs.ExitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return errs.ExitCode(err)
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: buzz <command> [flags] [args]

Commands:
  transcribe FILE [FILE...]   transcribe files, or a URL with --url
  watch DIR                   transcribe media files as they appear in DIR
  record                      transcribe the microphone live
  list                        show transcription history
  models                      show the model catalog

Run "buzz <command> -h" for the flags of a command.
`)
}

// CLI runs one command against a freshly built core
type CLI struct {
	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer
}

func (c *CLI) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *CLI) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errs.Wrap(errs.BadInput, err, "invalid arguments")
	}
	return nil
}

func (c *CLI) openCore() (*core.CoreContext, func(), error) {
	cc, err := core.New(c.cfg)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := cc.Close(ctx); err != nil {
			logging.LogWarn("⚠️ Shutdown did not finish cleanly")
		}
	}
	return cc, closeFn, nil
}

// taskFlags are the per-task settings shared by transcribe, watch and record
type taskFlags struct {
	model         string
	language      string
	task          string
	temperature   string
	initialPrompt string
	wordTimings   bool
	extractSpeech bool
	output        string
	format        string
	llmModel      string
	llmPrompt     string
}

func (f *taskFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.model, "model", defaultModel, "model as family:size[:variant]")
	fs.StringVar(&f.language, "language", "", "spoken language code, detected when empty")
	fs.StringVar(&f.task, "task", string(domain.TaskTranscribe), "transcribe or translate")
	fs.StringVar(&f.temperature, "temperature", "", "comma-separated temperature fallback schedule")
	fs.StringVar(&f.initialPrompt, "initial-prompt", "", "text that primes the decoder")
	fs.BoolVar(&f.wordTimings, "word-timings", false, "emit one segment per word")
	fs.BoolVar(&f.extractSpeech, "extract-speech", false, "isolate vocals before transcribing")
	fs.StringVar(&f.output, "output", "", "directory for exported files, the input's directory when empty")
	fs.StringVar(&f.format, "format", defaultFormat, "comma-separated export formats: txt, srt, vtt")
	fs.StringVar(&f.llmModel, "llm", "", "LLM model id used to translate segments")
	fs.StringVar(&f.llmPrompt, "llm-prompt", "", "instruction given to the LLM for each segment")
}

// template builds a transcription from the flags, leaving the source empty
func (f *taskFlags) template(kind domain.SourceKind) (domain.Transcription, error) {
	ref, err := domain.ParseModelRef(f.model)
	if err != nil {
		return domain.Transcription{}, err
	}

	t := domain.Transcription{
		SourceKind:          kind,
		Model:               ref,
		Language:            strings.ToLower(strings.TrimSpace(f.language)),
		Task:                domain.Task(strings.ToLower(f.task)),
		WordLevelTimings:    f.wordTimings,
		ExtractSpeech:       f.extractSpeech,
		TemperatureSchedule: append([]float64(nil), domain.DefaultTemperatures...),
		InitialPrompt:       f.initialPrompt,
		ExportFormats:       splitList(f.format),
	}
	if f.temperature != "" {
		if t.TemperatureSchedule, err = domain.ParseTemperatures(f.temperature); err != nil {
			return domain.Transcription{}, err
		}
	}
	if f.output != "" {
		if t.OutputDirectory, err = filepath.Abs(f.output); err != nil {
			return domain.Transcription{}, errs.Wrap(errs.BadInput, err, "resolve output directory")
		}
	}
	if f.llmModel != "" {
		t.LLM = &domain.LLMOptions{Enabled: true, ModelID: f.llmModel, Prompt: f.llmPrompt}
	} else if f.llmPrompt != "" {
		return domain.Transcription{}, errs.New(errs.BadInput, "--llm-prompt needs --llm")
	}

	candidate := t
	candidate.SourcePath = "-"
	if err := candidate.IsValid(); err != nil {
		return domain.Transcription{}, err
	}
	return t, nil
}

// checkTemplate verifies the settings the core can serve
func checkTemplate(cc *core.CoreContext, t domain.Transcription) error {
	if _, err := cc.Registry.Lookup(t.Model); err != nil {
		return errs.Wrapf(errs.BadInput, err, "model %s", t.Model)
	}
	if t.LLM != nil && t.LLM.Enabled && cc.Translator == nil {
		return errs.New(errs.BadInput, "--llm needs BUZZ_OPENAI_API_KEY or BUZZ_OPENAI_BASE_URL")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// canonicalFile resolves path to an absolute, symlink-free regular file
func canonicalFile(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errs.Wrapf(errs.BadInput, err, "resolve %s", path)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", errs.Wrapf(errs.BadInput, err, "resolve %s", path)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", errs.Wrapf(errs.BadInput, err, "stat %s", path)
	}
	if !info.Mode().IsRegular() {
		return "", errs.Newf(errs.BadInput, "%s is not a regular file", path)
	}
	return resolved, nil
}

// canonicalURL lowercases the scheme and host of raw and rejects anything
// that is not an absolute URL with a host
func canonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", errs.Wrapf(errs.BadInput, err, "parse URL %q", raw)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errs.Newf(errs.BadInput, "%q is not an absolute URL", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String(), nil
}
