package smoke

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// LocalFile - content of every generated local file
type LocalFile struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

func LocalFileName(i int) string {
	return fmt.Sprintf("test%d.json", i)
}

// CreateFiles writes test0.json..test{n-1}.json into dir and returns their paths in generation order
func CreateFiles(dir string, n int) ([]string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("can't create %s: %v", dir, err)
	}
	paths := make([]string, 0, n)
	for i := 0; i < n; i++ {
		body, err := json.Marshal(LocalFile{Index: i, Message: fmt.Sprintf("Hello world %d!", i)})
		if err != nil {
			return paths, err
		}
		localPath := filepath.Join(dir, LocalFileName(i))
		if err := os.WriteFile(localPath, body, 0640); err != nil {
			return paths, fmt.Errorf("can't write %s: %v", localPath, err)
		}
		log.Debug().Str("path", localPath).Msg("created")
		paths = append(paths, localPath)
	}
	return paths, nil
}
