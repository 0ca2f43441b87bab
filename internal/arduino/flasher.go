package arduino

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/internal/connector"
	"github.com/HerbHall/robobridge/pkg/models"
)

// Flasher writes Intel HEX programs to a board with avrdude.
type Flasher struct {
	path   string
	conf   string
	goos   string
	logger *zap.Logger
}

// NewFlasher creates a flasher for the avrdude binary and config at the
// given paths.
func NewFlasher(path, conf string, logger *zap.Logger) *Flasher {
	return &Flasher{path: path, conf: conf, goos: runtime.GOOS, logger: logger}
}

// Args returns the avrdude arguments that write file to the board.
func (f *Flasher) Args(typ models.ArduinoType, port, file string) ([]string, error) {
	var chip []string
	switch typ {
	case models.ArduinoMega:
		chip = []string{"-patmega2560", "-cwiring"}
	case models.ArduinoBob3:
		chip = []string{"-patmega88", "-cavrisp2"}
	case models.ArduinoUnoWifiRev:
		chip = []string{"-patmega4809", "-cjtag2updi"}
	case models.ArduinoNano33BLE:
		return nil, fmt.Errorf("flash %s: %w", typ, connector.ErrUnsupported)
	default:
		// Uno, Nano, Bot'n Roll and mBot share the Uno setup.
		chip = []string{"-patmega328p", "-carduino"}
	}

	if f.goos != "windows" {
		port = "/dev/" + port
	}
	args := append([]string{"-v", "-D"}, chip...)
	args = append(args, "-Uflash:w:"+file+":i", "-C"+f.conf, "-P"+port)
	if typ == models.ArduinoBob3 {
		args = append(args, "-e")
	}
	return args, nil
}

// Flash writes prog to a temporary file and runs avrdude on it.
func (f *Flasher) Flash(ctx context.Context, typ models.ArduinoType, port string, name string, prog []byte) error {
	tmp, err := os.CreateTemp("", "robobridge-*-"+filepath.Base(name))
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(prog); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	args, err := f.Args(typ, port, tmp.Name())
	if err != nil {
		return err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	f.logger.Info("flashing program", zap.String("board", string(typ)), zap.String("port", port), zap.String("file", name))
	err = cmd.Run()
	f.logger.Debug("avrdude output", zap.String("stdout", stdout.String()), zap.String("stderr", stderr.String()))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("avrdude exited with %d: %s", exitErr.ExitCode(), lastLine(stderr.String()))
		}
		return fmt.Errorf("run avrdude: %w", err)
	}
	f.logger.Info("program flashed")
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
