// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package compile

import (
	"path"
	"strings"

	"github.com/tomtom215/texforge/internal/models"
	"github.com/tomtom215/texforge/internal/runner"
)

var compilerFlags = map[string]string{
	models.CompilerPDFLaTeX: "-pdf",
	models.CompilerLaTeX:    "-pdfdvi",
	models.CompilerXeLaTeX:  "-xelatex",
	models.CompilerLuaLaTeX: "-lualatex",
}

// buildCommand returns the latexmk invocation for req. Paths use the
// runner placeholder so the same command works in and out of containers.
func (m *Manager) buildCommand(req *models.CompileRequest) []string {
	latexmk := m.opts.LatexmkPath
	if latexmk == "" {
		latexmk = "latexmk"
	}

	var cmd []string
	if m.opts.TimeWrapper {
		cmd = append(cmd, "/usr/bin/time", "-v")
	}
	cmd = append(cmd,
		latexmk,
		"-cd",
		"-jobname=output",
		"-auxdir="+runner.CompileDirPlaceholder,
		"-outdir="+runner.CompileDirPlaceholder,
		"-synctex=1",
		"-interaction=batchmode",
	)
	if req.StopOnFirstError {
		cmd = append(cmd, "-halt-on-error")
	}
	cmd = append(cmd, req.Flags...)

	flag, ok := compilerFlags[req.Compiler]
	if !ok {
		flag = compilerFlags[models.CompilerPDFLaTeX]
	}
	cmd = append(cmd, flag, path.Join(runner.CompileDirPlaceholder, req.RootResourcePath))
	return cmd
}

// buildEnv returns the environment overrides for req. chktex settings only
// apply to LaTeX root files.
func (m *Manager) buildEnv(req *models.CompileRequest) map[string]string {
	env := make(map[string]string)
	if m.opts.OpenoutAny != "" {
		env["openout_any"] = m.opts.OpenoutAny
	}
	if req.Check != "" && strings.HasSuffix(strings.ToLower(req.RootResourcePath), ".tex") {
		env["CHKTEX_OPTIONS"] = "-nall -e9 -e10 -w15 -w16"
		env["CHKTEX_ULIMIT_OPTIONS"] = "-t 5 -v 64000"
		switch req.Check {
		case models.CheckError:
			env["CHKTEX_EXIT_ON_ERROR"] = "1"
		case models.CheckValidate:
			env["CHKTEX_VALIDATE"] = "1"
		}
	}
	return env
}
