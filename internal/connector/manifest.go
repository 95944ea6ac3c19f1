// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package connector implementa o nrouter-connector: o push channel com o
// router, o executor dos comandos de dataset e o uploader dos três transfer
// patterns.
package connector

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// maxNameComponentLength é o comprimento máximo de cada componente do nome
// de um dataset.
const maxNameComponentLength = 255

// Manifest mapeia nomes de dataset para arquivos sob base_dir.
// O nome de um dataset é o path relativo com '/', ex: "sales/daily.parquet".
// Rescan substitui o índice atomicamente; lookups nunca veem estado parcial.
type Manifest struct {
	baseDir string
	logger  *slog.Logger

	mu       sync.RWMutex
	datasets map[string]int64 // nome → tamanho em bytes
}

// NewManifest cria o manifest. Scan() deve ser chamado antes do primeiro lookup.
func NewManifest(baseDir string, logger *slog.Logger) *Manifest {
	return &Manifest{
		baseDir:  baseDir,
		logger:   logger.With("component", "manifest"),
		datasets: make(map[string]int64),
	}
}

// Scan percorre base_dir e reconstrói o índice de datasets. Arquivos e
// diretórios ocultos são ignorados.
func (m *Manifest) Scan() error {
	found := make(map[string]int64)

	err := filepath.WalkDir(m.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != m.baseDir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		rel, err := filepath.Rel(m.baseDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		found[filepath.ToSlash(rel)] = info.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning datasets dir %s: %w", m.baseDir, err)
	}

	m.mu.Lock()
	m.datasets = found
	m.mu.Unlock()

	m.logger.Info("dataset manifest updated", "base_dir", m.baseDir, "datasets", len(found))
	return nil
}

// Resolve valida o nome e retorna o path absoluto e o tamanho do dataset.
// Nomes com path traversal ou fora do índice retornam erro.
func (m *Manifest) Resolve(name string) (string, int64, error) {
	if err := validateDatasetName(name); err != nil {
		return "", 0, err
	}

	m.mu.RLock()
	size, ok := m.datasets[name]
	m.mu.RUnlock()
	if !ok {
		return "", 0, fmt.Errorf("dataset %q not found", name)
	}

	path := filepath.Join(m.baseDir, filepath.FromSlash(name))
	if err := validatePathInBaseDir(m.baseDir, path); err != nil {
		return "", 0, err
	}
	return path, size, nil
}

// Open resolve e abre o dataset para leitura.
func (m *Manifest) Open(name string) (*os.File, int64, error) {
	path, size, err := m.Resolve(name)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening dataset %q: %w", name, err)
	}
	return f, size, nil
}

// List retorna os nomes dos datasets conhecidos, ordenados.
func (m *Manifest) List() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.datasets))
	for name := range m.datasets {
		out = append(out, name)
	}
	m.mu.RUnlock()

	sort.Strings(out)
	return out
}

// validateDatasetName valida cada componente do nome contra path traversal.
func validateDatasetName(name string) error {
	if name == "" {
		return fmt.Errorf("dataset name cannot be empty")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("dataset name contains null byte")
	}
	if strings.Contains(name, "\\") {
		return fmt.Errorf("dataset name contains backslash")
	}

	for _, part := range strings.Split(name, "/") {
		if part == "" {
			return fmt.Errorf("dataset name contains empty path component")
		}
		if len(part) > maxNameComponentLength {
			return fmt.Errorf("dataset name component exceeds max length %d", maxNameComponentLength)
		}
		if part == "." || part == ".." {
			return fmt.Errorf("dataset name contains path traversal")
		}
		if strings.HasPrefix(part, ".") {
			return fmt.Errorf("dataset name component starts with dot")
		}
	}
	return nil
}

// validatePathInBaseDir verifica que o caminho resolvido permanece dentro de
// baseDir. Defesa em profundidade contra path traversal.
func validatePathInBaseDir(baseDir, resolvedPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolving base dir: %w", err)
	}
	absResolved, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}

	rel, err := filepath.Rel(absBase, absResolved)
	if err != nil {
		return fmt.Errorf("path escapes base directory: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path %q escapes base directory %q", resolvedPath, baseDir)
	}
	return nil
}
