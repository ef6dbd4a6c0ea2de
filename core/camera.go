package core

import (
	"math/rand"

	"github.com/signalsfoundry/cubesat-testbed/internal/config"
	"github.com/signalsfoundry/cubesat-testbed/model"
)

// DegradeFunc applies sensor degradation to a pristine capture. The
// actual pixel filters live outside the kernel; the default merely
// stamps the configured degradation levels and prices the encoded size.
type DegradeFunc func(img model.Image) model.Image

// CameraModule produces degraded image metadata for captures. It never
// acts on its own: the kernel invokes it only for a scheduled task with
// power available.
type CameraModule struct {
	cfg     config.CameraConfig
	degrade DegradeFunc
	rng     *rand.Rand
}

// NewCameraModule builds the module. degrade may be nil, in which case
// the configured default degradation is applied.
func NewCameraModule(cfg config.CameraConfig, seed int64, degrade DegradeFunc) *CameraModule {
	cam := &CameraModule{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
	if degrade == nil {
		degrade = cam.defaultDegrade
	}
	cam.degrade = degrade
	return cam
}

// Capture produces the image for taskID at simTime and returns the
// power load the exposure charged for this tick.
func (c *CameraModule) Capture(taskID string, simTime float64, dt float64) (model.Image, PowerLoad) {
	img := model.Image{
		TaskID:     taskID,
		Width:      c.cfg.Width,
		Height:     c.cfg.Height,
		BitDepth:   c.cfg.BitDepth,
		CapturedAt: simTime,
	}
	img = c.degrade(img)

	// The exposure energy is spread across the tick it occurred in.
	watts := c.cfg.CapturePowerW
	if dt > 0 && c.cfg.ExposureS < dt {
		watts = c.cfg.CapturePowerW * c.cfg.ExposureS / dt
	}
	return img, PowerLoad{Name: "camera", Watts: watts}
}

// defaultDegrade stamps the configured noise, blur, and compression
// settings and estimates the encoded size. Compression shrinks the raw
// frame roughly linearly with quality; noise resists compression, so it
// pushes the size back up with a small seeded jitter.
func (c *CameraModule) defaultDegrade(img model.Image) model.Image {
	img.NoiseLevel = c.cfg.NoiseLevel
	img.BlurLevel = c.cfg.BlurLevel
	img.CompressionQuality = c.cfg.CompressionQuality

	rawBytes := float64(img.Width*img.Height*img.BitDepth) / 8
	ratio := float64(c.cfg.CompressionQuality) / 100 * 0.35
	noisePenalty := 1 + c.cfg.NoiseLevel*(2+c.rng.Float64())
	img.SizeBytes = int(rawBytes * ratio * noisePenalty)
	return img
}
