package provision

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"provisiond/internal/common/fsutil"
	"provisiond/internal/download"
	"provisiond/internal/probe"
	"provisiond/internal/procrun"
	"provisiond/pkg/types"
)

// InstallerPlaceholder in an interpreter install command is replaced by the
// downloaded installer path.
const InstallerPlaceholder = "{installer}"

// InterpreterInstaller downloads and runs the platform's interpreter installer.
type InterpreterInstaller struct {
	URL    string
	SHA256 string
	// Command runs the installer; InstallerPlaceholder marks the file.
	Command []string
}

// DefaultInterpreterCommand returns the unattended, per-user install command
// for the current platform, or nil where no installer flow is supported.
func DefaultInterpreterCommand() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{InstallerPlaceholder, "/quiet", "InstallAllUsers=0", "PrependPath=1", "Include_test=0"}
	case "darwin":
		return []string{"installer", "-pkg", InstallerPlaceholder, "-target", "CurrentUserHomeDirectory"}
	}
	return nil
}

func (i InterpreterInstaller) Install(ctx context.Context, s *Session) error {
	if i.URL == "" || len(i.Command) == 0 {
		return &InstallError{
			Kind:        types.KindInterpreter,
			Class:       types.ClassFault,
			Reason:      fmt.Sprintf("no interpreter installer configured for %s", runtime.GOOS),
			Remediation: "Install Python 3 with the system package manager, then run the check again.",
		}
	}
	dir, err := s.TempDir()
	if err != nil {
		return err
	}
	file := filepath.Join(dir, urlBase(i.URL, "python-installer"))
	s.Observe("downloading")
	if _, err := s.Download(download.Request{URL: i.URL, Dest: file, SHA256: i.SHA256}, 5, 55); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		_ = os.Chmod(file, 0o755)
	}
	s.Observe("installing")
	args := make([]string, len(i.Command))
	for n, a := range i.Command {
		args[n] = strings.ReplaceAll(a, InstallerPlaceholder, file)
	}
	return s.Run(procrun.Spec{Path: args[0], Args: args[1:], Dir: dir})
}

func (InterpreterInstaller) Uninstall(context.Context, *Session) error { return ErrUnsupported }

// PackageInstaller installs a package into the interpreter with pip.
type PackageInstaller struct {
	Python    string
	Name      string
	IndexURL  string
	ExtraArgs []string
}

func (p PackageInstaller) pip(dir string, args ...string) procrun.Spec {
	env := map[string]string{
		"PIP_DISABLE_PIP_VERSION_CHECK": "1",
		"PIP_NO_INPUT":                  "1",
		"PYTHONUNBUFFERED":              "1",
	}
	if dir != "" {
		// build trees land in the session dir so cleanup catches them
		env["TMPDIR"], env["TEMP"], env["TMP"] = dir, dir, dir
	}
	return procrun.Spec{Path: p.Python, Args: append([]string{"-m", "pip"}, args...), Dir: dir, Env: env}
}

// Install removes any previous copy first; a failed or absent previous copy
// is tolerated.
func (p PackageInstaller) Install(ctx context.Context, s *Session) error {
	if p.Python == "" || p.Name == "" {
		return newInstallError(types.KindPackage, types.ClassFault, "package installer is not configured", nil)
	}
	dir, err := s.TempDir()
	if err != nil {
		return err
	}
	if err := s.Run(p.pip(dir, "uninstall", "-y", p.Name)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log := s.Logger()
		log.Debug().Err(err).Msg("pre-install uninstall failed; continuing")
	}
	args := []string{"install", "--progress-bar", "off"}
	if p.IndexURL != "" {
		args = append(args, "--index-url", p.IndexURL)
	}
	args = append(args, p.ExtraArgs...)
	args = append(args, p.Name)
	return s.Run(p.pip(dir, args...))
}

func (p PackageInstaller) Uninstall(ctx context.Context, s *Session) error {
	if p.Python == "" || p.Name == "" {
		return newInstallError(types.KindPackage, types.ClassFault, "package installer is not configured", nil)
	}
	return s.Run(p.pip("", "uninstall", "-y", p.Name))
}

// ModelInstaller downloads a model file, or a zip archive holding model files,
// and moves the models into InstallDir.
type ModelInstaller struct {
	URL        string
	SHA256     string
	Extension  string
	InstallDir string
}

func (m ModelInstaller) ext() string {
	if m.Extension == "" {
		return ".gguf"
	}
	return strings.ToLower(m.Extension)
}

func (m ModelInstaller) Install(ctx context.Context, s *Session) error {
	if m.URL == "" || m.InstallDir == "" {
		return &InstallError{
			Kind:        types.KindModel,
			Class:       types.ClassFault,
			Reason:      "no model URL or install directory configured",
			Remediation: "Set model.url and model.install_dir in the configuration.",
		}
	}
	installDir, err := fsutil.ExpandHome(m.InstallDir)
	if err != nil {
		return err
	}
	dir, err := s.TempDir()
	if err != nil {
		return err
	}
	name := urlBase(m.URL, "model"+m.ext())
	file := filepath.Join(dir, name)
	s.Observe("downloading")
	if _, err := s.Download(download.Request{URL: m.URL, Dest: file, SHA256: m.SHA256}, 5, 75); err != nil {
		return err
	}

	var models []string
	switch lower := strings.ToLower(name); {
	case strings.HasSuffix(lower, ".zip"):
		s.Observe("extracting")
		models, err = extractModels(ctx, file, filepath.Join(dir, "extract"), m.ext())
		if err != nil {
			return err
		}
	case strings.HasSuffix(lower, m.ext()):
		models = []string{file}
	default:
		return newInstallError(types.KindModel, types.ClassInstallFailed,
			fmt.Sprintf("downloaded %s is neither a %s model nor a zip archive", name, m.ext()), nil)
	}
	if len(models) == 0 {
		return newInstallError(types.KindModel, types.ClassInstallFailed, "archive holds no model files", nil)
	}

	s.Observe("verifying")
	for _, src := range models {
		if err := ctx.Err(); err != nil {
			return err
		}
		dst := filepath.Join(installDir, filepath.Base(src))
		if err := fsutil.MoveFile(src, dst); err != nil {
			return err
		}
		s.Placed(dst)
	}
	return nil
}

// Uninstall removes model files from the managed InstallDir only; models found
// in other well-known locations belong to the user.
func (m ModelInstaller) Uninstall(ctx context.Context, s *Session) error {
	if m.InstallDir == "" {
		return nil
	}
	files := probe.FindModels([]string{m.InstallDir}, m.ext())
	if len(files) == 0 {
		return nil
	}
	_, err := s.Remove(files...)
	return err
}

// extractModels copies entries with the model extension out of a zip archive
// into dest, flattening directories.
func extractModels(ctx context.Context, archive, dest, ext string) ([]string, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, newInstallError(types.KindModel, types.ClassInstallFailed, "downloaded archive is corrupt", err)
	}
	defer func() { _ = zr.Close() }()
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}
	var out []string
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if f.FileInfo().IsDir() || !strings.HasSuffix(strings.ToLower(f.Name), ext) {
			continue
		}
		// base name only: entries cannot escape dest
		target := filepath.Join(dest, path.Base(strings.ReplaceAll(f.Name, `\`, "/")))
		if err := extractOne(f, target); err != nil {
			return out, err
		}
		out = append(out, target)
	}
	return out, nil
}

func extractOne(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s in archive: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()
	w, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, rc); err != nil {
		_ = w.Close()
		if errors.Is(err, zip.ErrChecksum) {
			return newInstallError(types.KindModel, types.ClassVerificationMismatch, "archive entry failed its checksum", err)
		}
		return err
	}
	return w.Close()
}

func urlBase(raw, fallback string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return fallback
	}
	b := path.Base(u.Path)
	if b == "" || b == "." || b == "/" {
		return fallback
	}
	return b
}
