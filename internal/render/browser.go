package render

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// startBrowser 启动并连接 Chromium，proxyURL 非空时走代理（支持 user:pass 认证）。
func startBrowser(ctx context.Context, opts Options, logger *slog.Logger) (*rod.Browser, error) {
	bin := opts.BinPath
	if bin == "" {
		logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	// 针对 Docker/EC2 环境的 Flag 优化
	l := launcher.New().
		Headless(opts.Headless).
		Bin(bin).
		NoSandbox(true).
		// 禁用 /dev/shm，防止容器内内存崩溃
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("disable-software-rasterizer", "true").
		Set("remote-allow-origins", "*").
		// 缓存与内存优化，减少磁盘写入压力
		Set("disk-cache-size", "1").
		Set("media-cache-size", "1").
		Set("disable-application-cache", "true").
		Set("lang", "es-CL").
		Set("js-flags", "--max_old_space_size=512")

	proxyServer, proxyUser, proxyPass, err := parseProxy(opts.ProxyURL)
	if err != nil {
		return nil, err
	}
	if proxyServer != "" {
		l = l.Proxy(proxyServer)
		logger.Info("using http proxy",
			slog.String("server", proxyServer),
			slog.Bool("auth", proxyUser != ""))
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().Context(ctx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	if proxyUser != "" {
		go browser.MustHandleAuth(proxyUser, proxyPass)()
		logger.Info("proxy authentication handler registered")
	}

	mode := "direct"
	if proxyServer != "" {
		mode = "proxy"
	}
	logger.Info("browser started", slog.String("bin", bin), slog.String("mode", mode))
	return browser, nil
}

// parseProxy 把代理 URL 拆成 scheme://host 与认证信息，空 URL 表示直连。
func parseProxy(raw string) (server, user, pass string, err error) {
	if raw == "" {
		return "", "", "", nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("parse proxy url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", "", "", fmt.Errorf("invalid proxy url: %s", raw)
	}
	server = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	if parsed.User != nil {
		user = parsed.User.Username()
		pass, _ = parsed.User.Password()
	}
	return server, user, pass, nil
}
