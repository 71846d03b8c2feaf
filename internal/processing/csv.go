package processing

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"strandcam/internal/camera"
	"strandcam/internal/detect"
	"strandcam/internal/recording"
	"strandcam/internal/store"
	"strandcam/internal/version"
)

var csvColumns = []string{
	"time_microseconds", "frame", "x_px", "y_px",
	"orientation_radians_mod_pi", "central_moment", "led_1", "led_2", "led_3",
}

type csvMode int

const (
	csvNotSaving csvMode = iota
	csvStarting
	csvSaving
)

type csvAppInfo struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	GitHash string `yaml:"git_hash"`
}

type csvCameraInfo struct {
	Name   string `yaml:"name"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

// csvConfigBlock is written as a commented YAML header.
type csvConfigBlock struct {
	App                csvAppInfo    `yaml:"app"`
	Camera             csvCameraInfo `yaml:"camera"`
	CreatedAt          time.Time     `yaml:"created_at"`
	CsvRateLimit       *float64      `yaml:"csv_rate_limit"`
	ObjectDetectionCfg detect.Config `yaml:"object_detection_cfg"`
}

// CsvSaver writes detected points to CSV. Start moves it to a starting
// state; the next frame creates the file and later frames add rows.
type CsvSaver struct {
	dir  string
	mode csvMode

	rateLimit   *float64
	minInterval time.Duration
	lastSave    time.Time
	t0          time.Time

	fd   *os.File
	buf  *bufio.Writer
	w    *csv.Writer
	path string
}

// NewCsvSaver saves files into dir.
func NewCsvSaver(dir string) *CsvSaver {
	return &CsvSaver{dir: dir}
}

// Start requests a new file. A file already open is closed.
func (c *CsvSaver) Start(rateLimit *float64) error {
	err := c.Stop()
	c.mode = csvStarting
	c.rateLimit = rateLimit
	return err
}

// Stop closes the current file, if any.
func (c *CsvSaver) Stop() error {
	c.mode = csvNotSaving
	if c.fd == nil {
		return nil
	}
	c.w.Flush()
	err := c.w.Error()
	if ferr := c.buf.Flush(); err == nil {
		err = ferr
	}
	if cerr := c.fd.Close(); err == nil {
		err = cerr
	}
	log.Info().Str("component", "csv").Str("path", c.path).Msg("stopped saving points")
	c.fd, c.buf, c.w, c.path = nil, nil, nil, ""
	return err
}

// Active reports whether a file is being written or about to be.
func (c *CsvSaver) Active() bool {
	return c.mode != csvNotSaving
}

// Frame handles one processed frame. It returns the path of a newly created
// file, or "" when none was created.
func (c *CsvSaver) Frame(f *camera.Frame, points []detect.Point, st *store.SharedState) (string, error) {
	switch c.mode {
	case csvStarting:
		return c.open(f, st)
	case csvSaving:
		return "", c.save(f, points, st.DeviceState)
	default:
		return "", nil
	}
}

func (c *CsvSaver) open(f *camera.Frame, st *store.SharedState) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("create csv dir: %w", err)
	}

	local := f.Timestamp.Local()
	base := filepath.Join(c.dir, recording.FormatTemplate(recording.CsvBaseTemplate, local))

	jpg, err := f.JPEG(99)
	if err != nil {
		return "", fmt.Errorf("encode csv snapshot: %w", err)
	}
	if err := os.WriteFile(base+".jpg", jpg, 0o644); err != nil {
		return "", fmt.Errorf("write csv snapshot: %w", err)
	}

	path := base + ".csv"
	fd, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create csv: %w", err)
	}
	buf := bufio.NewWriter(fd)

	block := csvConfigBlock{
		App:                csvAppInfo{Name: version.AppName, Version: version.Version, GitHash: version.GitHash},
		Camera:             csvCameraInfo{Name: st.CameraName, Width: f.Width, Height: f.Height},
		CreatedAt:          local,
		CsvRateLimit:       c.rateLimit,
		ObjectDetectionCfg: st.ObjDetectionConfig,
	}
	cfgYAML, err := yaml.Marshal(&block)
	if err != nil {
		fd.Close()
		return "", fmt.Errorf("encode csv header: %w", err)
	}
	fmt.Fprintln(buf, "# -- start of yaml config --")
	for _, line := range strings.Split(strings.TrimRight(string(cfgYAML), "\n"), "\n") {
		fmt.Fprintf(buf, "# %s\n", line)
	}
	fmt.Fprintln(buf, "# -- end of yaml config --")

	w := csv.NewWriter(buf)
	w.Write(csvColumns)
	w.Flush()
	if err := w.Error(); err != nil {
		fd.Close()
		return "", fmt.Errorf("write csv header: %w", err)
	}
	if err := buf.Flush(); err != nil {
		fd.Close()
		return "", fmt.Errorf("write csv header: %w", err)
	}

	c.minInterval = 0
	if c.rateLimit != nil && *c.rateLimit > 0 {
		c.minInterval = time.Duration(float64(time.Second) / *c.rateLimit)
	}
	c.t0 = f.Timestamp
	c.lastSave = f.Timestamp.Add(-24 * time.Hour)
	c.fd, c.buf, c.w, c.path = fd, buf, w, path
	c.mode = csvSaving

	log.Info().Str("component", "csv").Str("path", path).Msg("saving data")
	return path, nil
}

func (c *CsvSaver) save(f *camera.Frame, points []detect.Point, dev *store.DeviceState) error {
	if len(points) == 0 || f.Timestamp.Sub(c.lastSave) < c.minInterval {
		return nil
	}

	us := f.Timestamp.Sub(c.t0).Microseconds()
	var leds [3]string
	if dev != nil {
		for i := range leds {
			leds[i] = strconv.Itoa(int(dev.Intensity(i + 1)))
		}
	}

	for _, pt := range points {
		orientation := ""
		if pt.Theta != nil {
			orientation = fmt.Sprintf("%.3f", *pt.Theta)
		}
		area := ""
		if pt.Area != nil {
			area = strconv.FormatFloat(*pt.Area, 'f', -1, 64)
		}
		row := []string{
			strconv.FormatInt(us, 10),
			strconv.FormatUint(f.Fno, 10),
			fmt.Sprintf("%.1f", pt.X),
			fmt.Sprintf("%.1f", pt.Y),
			orientation,
			area,
			leds[0], leds[1], leds[2],
		}
		if err := c.w.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	if err := c.buf.Flush(); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	c.lastSave = f.Timestamp
	return nil
}
