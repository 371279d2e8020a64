package main

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/ehrlich-b/gatelink/internal/chat"
)

// readUpload loads a local file for attaching to a message.
func readUpload(path string) (chat.Upload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return chat.Upload{}, fmt.Errorf("read attachment: %w", err)
	}
	mt := mime.TypeByExtension(filepath.Ext(path))
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	return chat.Upload{Name: filepath.Base(path), MIMEType: mt, Data: data}, nil
}

func readUploads(paths []string) ([]chat.Upload, error) {
	var out []chat.Upload
	for _, p := range paths {
		u, err := readUpload(p)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}
