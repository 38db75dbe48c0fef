package crawler

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrSeedDirMissing 表示种子目录不存在，属于启动期致命错误。
var ErrSeedDirMissing = errors.New("seed directory missing")

// Seed 是一条种子 URL，Segment 为所在文件名（去掉 .txt）。
type Seed struct {
	Segment string
	URL     string
}

// LoadSeeds 读取 dir 下所有 .txt 文件，每行一个 URL。
//
// 空行与以 "#" 开头的行被忽略；单个文件读取失败只记录日志并跳过。
func LoadSeeds(dir string, logger *slog.Logger) ([]Seed, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrSeedDirMissing, dir)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return nil, fmt.Errorf("list seed files: %w", err)
	}
	sort.Strings(files)

	var seeds []Seed
	for _, path := range files {
		segment := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		urls, err := readSeedFile(path)
		if err != nil {
			logger.Error("read seed file failed",
				slog.String("file", path),
				slog.String("error", err.Error()))
			continue
		}
		logger.Info("seed file loaded",
			slog.String("segment", segment),
			slog.Int("urls", len(urls)))
		for _, u := range urls {
			seeds = append(seeds, Seed{Segment: segment, URL: u})
		}
	}
	return seeds, nil
}

func readSeedFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, sc.Err()
}
