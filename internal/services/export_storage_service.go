package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ExportStorage writes emergency export artifacts under a base directory
// with Year/Month organization
type ExportStorage struct {
	basePath string
}

// NewExportStorage creates a new ExportStorage rooted at basePath
func NewExportStorage(basePath string) (*ExportStorage, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("export base path cannot be empty")
	}

	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, err
	}

	// Ensure directory exists
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, err
	}

	return &ExportStorage{basePath: absPath}, nil
}

// BasePath returns the absolute export root
func (s *ExportStorage) BasePath() string {
	return s.basePath
}

// Store writes an artifact and returns its relative storage path and size
func (s *ExportStorage) Store(filename string, data []byte) (string, int64, error) {
	sanitized := sanitizeExportFilename(filename)
	if filepath.Ext(sanitized) == "" {
		sanitized += ".json"
	}

	// Year/Month folder structure keyed to write time
	now := time.Now().UTC()
	relativeFolderPath := filepath.Join(now.Format("2006"), now.Format("01"))
	absoluteFolderPath := filepath.Join(s.basePath, relativeFolderPath)

	if err := os.MkdirAll(absoluteFolderPath, 0755); err != nil {
		return "", 0, err
	}

	uniqueFilename := generateUniqueExportName(sanitized, absoluteFolderPath)
	relativeFilePath := filepath.Join(relativeFolderPath, uniqueFilename)
	absoluteFilePath := filepath.Join(s.basePath, relativeFilePath)

	// Security check: ensure path is within base path
	if !strings.HasPrefix(absoluteFilePath, s.basePath) {
		return "", 0, ErrPathTraversal
	}

	file, err := os.OpenFile(absoluteFilePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	written, err := file.Write(data)
	if err != nil {
		os.Remove(absoluteFilePath) // Clean up on error
		return "", 0, err
	}

	// Return path with forward slashes for consistency
	return strings.ReplaceAll(relativeFilePath, string(os.PathSeparator), "/"), int64(written), nil
}

// GetFullPath returns the absolute path for a stored path
func (s *ExportStorage) GetFullPath(storedPath string) (string, error) {
	if strings.TrimSpace(storedPath) == "" {
		return "", fmt.Errorf("stored path cannot be empty")
	}

	normalizedPath := filepath.FromSlash(storedPath)
	fullPath := filepath.Join(s.basePath, normalizedPath)

	// Security check
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", err
	}

	if !strings.HasPrefix(absPath, s.basePath) {
		return "", ErrPathTraversal
	}

	return absPath, nil
}

// Exists checks if an artifact exists at the given stored path
func (s *ExportStorage) Exists(storedPath string) bool {
	fullPath, err := s.GetFullPath(storedPath)
	if err != nil {
		return false
	}

	_, err = os.Stat(fullPath)
	return err == nil
}

// Delete removes an artifact by its stored path
func (s *ExportStorage) Delete(storedPath string) bool {
	fullPath, err := s.GetFullPath(storedPath)
	if err != nil {
		return false
	}

	return os.Remove(fullPath) == nil
}

// sanitizeExportFilename removes path components and invalid characters
func sanitizeExportFilename(filename string) string {
	name := filepath.Base(filename)

	replacer := strings.NewReplacer(
		"..", "",
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	name = replacer.Replace(name)

	const maxLength = 200
	if len(name) > maxLength {
		ext := filepath.Ext(name)
		nameWithoutExt := strings.TrimSuffix(name, ext)
		if len(nameWithoutExt) > maxLength-len(ext) {
			nameWithoutExt = nameWithoutExt[:maxLength-len(ext)]
		}
		name = nameWithoutExt + ext
	}

	return name
}

// generateUniqueExportName creates a unique filename if collision exists
func generateUniqueExportName(filename, folderPath string) string {
	nameWithoutExt := strings.TrimSuffix(filename, filepath.Ext(filename))
	ext := filepath.Ext(filename)
	candidate := filename
	counter := 1

	for {
		fullPath := filepath.Join(folderPath, candidate)
		if _, err := os.Stat(fullPath); os.IsNotExist(err) {
			break
		}

		candidate = fmt.Sprintf("%s_%03d%s", nameWithoutExt, counter, ext)
		counter++

		if counter > 9999 {
			candidate = fmt.Sprintf("%s_%d%s", nameWithoutExt, time.Now().UnixNano(), ext)
			break
		}
	}

	return candidate
}
