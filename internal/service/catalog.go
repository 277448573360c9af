package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Catalog is the static table of managed services: a web server, a database
// engine, a script runtime, and the dependent admin tool. The tool has no
// process of its own; it is reported running when its prerequisites are.
func Catalog() []Definition {
	return []Definition{
		{
			ID:          "nginx",
			DisplayName: "Nginx",
			Kind:        KindWebServer,
			ExeName:     "nginx",
			ConfigPath:  "conf/nginx.conf",
			Args:        []string{"-g", "daemon off;"},
			Preserve:    []string{"conf", "html", "logs"},
			DownloadURL: "https://nginx.org/download/nginx-{version}.zip",
		},
		{
			ID:           "mariadb",
			DisplayName:  "MariaDB",
			Kind:         KindDatabase,
			ExeName:      "mariadbd",
			ExeDir:       "bin",
			ConfigPath:   "my.ini",
			Preserve:     []string{"my.ini", "data"},
			MultiVersion: true,
			DownloadURL:  "https://downloads.mariadb.org/rest-api/mariadb/{version}/mariadb-{version}.zip",
			ArchiveURL:   "https://archive.mariadb.org/mariadb-{version}/mariadb-{version}.zip",
		},
		{
			ID:          "php",
			DisplayName: "PHP",
			Kind:        KindRuntime,
			ExeName:     "php-cgi",
			ConfigPath:  "php.ini",
			Args:        []string{"-b", "127.0.0.1:9000"},
			Env:         []string{"PHP_FCGI_MAX_REQUESTS=0"},
			Preserve:    []string{"php.ini"},
			DownloadURL: "https://windows.php.net/downloads/releases/php-{version}-nts.zip",
			ArchiveURL:  "https://windows.php.net/downloads/releases/archives/php-{version}-nts.zip",
		},
		{
			ID:          "phpmyadmin",
			DisplayName: "phpMyAdmin",
			Kind:        KindAdminTool,
			ConfigPath:  "config.inc.php",
			Preserve:    []string{"config.inc.php"},
			DownloadURL: "https://files.phpmyadmin.net/phpMyAdmin/{version}/phpMyAdmin-{version}-all-languages.zip",
			Requires:    []string{"nginx", "php"},
		},
	}
}

// CapabilitiesFor returns the behavior table for a service kind.
func CapabilitiesFor(kind Kind) Capabilities {
	switch kind {
	case KindWebServer:
		return Capabilities{
			ValidateConfig: nginxValidate,
			StartTimeout:   10 * time.Second,
		}
	case KindDatabase:
		return Capabilities{
			ReadinessProbe:      mariadbPing,
			ProbeInterval:       500 * time.Millisecond,
			StartTimeout:        60 * time.Second,
			GracefulStop:        mariadbShutdown,
			GracefulStopRetries: 5,
			GracefulStopDelay:   2 * time.Second,
			Rescue:              mariadbRescue,
			RescueTimeout:       30 * time.Second,
			FirstRunAdjust:      mariadbFirstRun,
		}
	case KindRuntime:
		return Capabilities{
			StartTimeout:   10 * time.Second,
			FirstRunAdjust: phpFirstRun,
		}
	case KindAdminTool:
		return Capabilities{
			FirstRunAdjust: phpmyadminFirstRun,
		}
	default:
		return Capabilities{}
	}
}

func nginxValidate(ctx context.Context, dir string) error {
	exe := filepath.Join(dir, "nginx")
	cmd := exec.CommandContext(ctx, exe, "-t", "-p", dir, "-c", filepath.Join(dir, "conf", "nginx.conf"))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("nginx -t: %w: %s", err, out)
	}
	return nil
}

func mariadbPing(ctx context.Context, dir string) error {
	admin := filepath.Join(dir, "bin", "mariadb-admin")
	cmd := exec.CommandContext(ctx, admin, "--host=127.0.0.1", "--user=root", "ping")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mariadb-admin ping: %w: %s", err, out)
	}
	return nil
}

func mariadbShutdown(ctx context.Context, dir string) error {
	admin := filepath.Join(dir, "bin", "mariadb-admin")
	cmd := exec.CommandContext(ctx, admin, "--host=127.0.0.1", "--user=root", "shutdown")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mariadb-admin shutdown: %w: %s", err, out)
	}
	return nil
}

// mariadbRescue starts a safeguards-disabled server whose sole purpose is to
// accept one final graceful shutdown. Forcibly killing the database can
// corrupt on-disk state, so this path exists before giving up entirely.
func mariadbRescue(ctx context.Context, dir string) error {
	server := filepath.Join(dir, "bin", "mariadbd")
	rescue := exec.CommandContext(ctx, server, "--skip-grant-tables", "--skip-networking=0")
	rescue.Dir = dir
	if err := rescue.Start(); err != nil {
		return fmt.Errorf("start rescue instance: %w", err)
	}
	defer func() { _ = rescue.Wait() }()

	// Wait until the rescue instance answers, then ask it to shut down.
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rescue instance never became ready: %w", err)
		}
		if mariadbPing(ctx, dir) == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	return mariadbShutdown(ctx, dir)
}

func mariadbFirstRun(finalDir, stagingDir string) error {
	cfg := filepath.Join(stagingDir, "my.ini")
	extra := fmt.Sprintf("\n[mysqld]\ndatadir=%s\ninnodb_buffer_pool_size=256M\nmax_connections=100\n",
		filepath.ToSlash(filepath.Join(finalDir, "data")))
	return appendFile(cfg, extra)
}

func phpFirstRun(finalDir, stagingDir string) error {
	cfg := filepath.Join(stagingDir, "php.ini")
	extra := fmt.Sprintf("\nextension_dir=%q\nextension=mysqli\nextension=mbstring\nextension=openssl\nmemory_limit=512M\n",
		filepath.ToSlash(filepath.Join(finalDir, "ext")))
	return appendFile(cfg, extra)
}

// phpmyadminFirstRun writes the random secret the admin tool requires for
// cookie auth. Regenerating it on update would invalidate user sessions,
// which is why this only runs on first install.
func phpmyadminFirstRun(finalDir, stagingDir string) error {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return err
	}
	cfg := filepath.Join(stagingDir, "config.inc.php")
	extra := fmt.Sprintf("\n$cfg['blowfish_secret'] = '%s';\n", hex.EncodeToString(secret))
	return appendFile(cfg, extra)
}

func appendFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
