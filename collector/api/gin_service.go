package api

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"crashmill/collector/cfg"
	"crashmill/collector/service"
	"crashmill/common/format/crash"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"
)

const (
	maxMemory = 32 << 20

	resultAccepted = "accepted"
	resultRejected = "rejected"
	resultFailed   = "failed"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_\-]`)

// CrashSender hands a stored crash over to the processor.
type CrashSender interface {
	AddCrash(crashId, rawCrash string, dumps map[string]string) error
}

type GinCollectorService struct {
	engine   *gin.Engine
	conf     cfg.Config
	service  CrashSender
	registry *prometheus.Registry
	crashes  *prometheus.CounterVec
	now      func() time.Time
	closer   io.Closer
}

func (m *GinCollectorService) Init() error {
	cfg.GlobalConfigMutex.Lock()
	defer cfg.GlobalConfigMutex.Unlock()

	collector, err := service.NewCollector(cfg.GlobalConfig)
	if err != nil {
		return err
	}
	m.closer = collector

	return m.setup(cfg.GlobalConfig, collector)
}

func (m *GinCollectorService) setup(conf cfg.Config, sender CrashSender) error {
	m.conf = conf
	m.service = sender
	if m.now == nil {
		m.now = time.Now
	}

	if err := os.MkdirAll(m.conf.CrashesDir(), 0777); err != nil {
		log.WithError(err).Error("Can't create crash storage directory")
		return err
	}

	m.registry = prometheus.NewRegistry()
	m.crashes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_crashes_total",
		Help: "Crash reports received by the collector",
	}, []string{"result"})
	m.registry.MustRegister(m.crashes)

	m.engine = gin.New()
	m.engine.Use(gin.Logger(), gin.Recovery())
	m.applyRoutes()
	return nil
}

func (m *GinCollectorService) Address() string {
	return fmt.Sprintf("%s:%d", m.conf.Host(), m.conf.Port())
}

func (m *GinCollectorService) Handler() http.Handler {
	return m.engine
}

func (m *GinCollectorService) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}

func (m *GinCollectorService) applyRoutes() {
	m.engine.POST("/submit", m.PostCrash())
	m.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})))
}

func (m *GinCollectorService) reject(c *gin.Context, descr string) {
	m.crashes.WithLabelValues(resultRejected).Inc()
	c.String(http.StatusBadRequest, "Discarded=%s\n", descr)
}

func (m *GinCollectorService) fail(c *gin.Context, descr string) {
	m.crashes.WithLabelValues(resultFailed).Inc()
	c.String(http.StatusInternalServerError, "Error=%s\n", descr)
}

// PostCrash accepts a Breakpad style multipart crash report. Form values
// become annotations of the raw crash, file parts become dumps.
func (m *GinCollectorService) PostCrash() gin.HandlerFunc {
	return func(c *gin.Context) {
		log.WithField("size", humanize.Bytes(uint64(max(c.Request.ContentLength, 0)))).
			Debug("Catch crash report")

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, m.conf.MaxBodySize())
		compressed := c.GetHeader("Content-Encoding") == "gzip"
		if compressed {
			zr, err := gzip.NewReader(c.Request.Body)
			if err != nil {
				m.reject(c, "bad_gzip")
				return
			}
			defer zr.Close()
			c.Request.Body = http.MaxBytesReader(c.Writer, zr, m.conf.MaxBodySize())
			c.Request.Header.Del("Content-Encoding")
		}

		if err := c.Request.ParseMultipartForm(maxMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				m.crashes.WithLabelValues(resultRejected).Inc()
				c.String(http.StatusRequestEntityTooLarge, "Discarded=too_large\n")
				return
			}
			log.WithError(err).Debug("Can't parse crash report")
			m.reject(c, "malformed")
			return
		}
		form := c.Request.MultipartForm
		defer form.RemoveAll()

		raw, err := annotations(form)
		if err != nil {
			m.reject(c, "bad_extra")
			return
		}
		if len(raw) == 0 && len(form.File) == 0 {
			m.reject(c, "no_annotations")
			return
		}

		now := m.now().UTC()
		crashId := createCrashId(now)
		raw["uuid"] = crashId
		raw["submitted_timestamp"] = crash.Format(now)

		dumps, checksums, err := m.saveDumps(crashId, form.File)
		if err != nil {
			m.fail(c, "storage")
			return
		}

		payloadCompressed := "0"
		if compressed {
			payloadCompressed = "1"
		}
		raw["metadata"] = map[string]any{
			"dump_checksums":     checksums,
			"payload":            "multipart",
			"payload_compressed": payloadCompressed,
			"collector_notes":    []any{},
		}

		rawPath, err := m.saveRawCrash(crashId, raw)
		if err != nil {
			removeFiles(dumps)
			m.fail(c, "storage")
			return
		}

		err = m.service.AddCrash(crashId, rawPath, dumps)
		if err != nil {
			log.WithFields(log.Fields{
				"crash_id": crashId,
				"error":    err,
			}).Error("Can't add new task to process crash")
			removeFiles(dumps)
			removeFiles(map[string]string{"raw_crash": rawPath})
			m.fail(c, "queue")
			return
		}

		m.crashes.WithLabelValues(resultAccepted).Inc()
		log.WithFields(log.Fields{
			"crash_id": crashId,
			"dumps":    len(dumps),
		}).Info("Crash accepted")
		c.String(http.StatusOK, "CrashID=bp-%s\n", crashId)
	}
}

// annotations collects the form values. A JSON object in the "extra" field
// is merged into them.
func annotations(form *multipart.Form) (crash.Document, error) {
	raw := crash.Document{}
	for key, values := range form.Value {
		if len(values) == 0 {
			continue
		}
		if key == "extra" {
			var extra map[string]any
			if err := json.Unmarshal([]byte(values[0]), &extra); err != nil {
				return nil, err
			}
			for k, v := range extra {
				raw[k] = v
			}
			continue
		}
		raw[key] = values[0]
	}
	return raw, nil
}

// createCrashId makes a uuid whose tail carries the submission date the way
// Socorro crash ids do.
func createCrashId(now time.Time) string {
	id := uuid.NewV4().String()
	return id[:len(id)-7] + "0" + now.Format("060102")
}

func (m *GinCollectorService) saveDumps(crashId string, files map[string][]*multipart.FileHeader) (map[string]string, map[string]string, error) {
	dumps := map[string]string{}
	checksums := map[string]string{}

	for name, headers := range files {
		if len(headers) == 0 {
			continue
		}
		path := filepath.Join(m.conf.CrashesDir(), fmt.Sprintf("%s.%s", crashId, unsafeName.ReplaceAllString(name, "_")))
		sum, err := saveFile(headers[0], path)
		if err != nil {
			log.WithFields(log.Fields{
				"crash_id": crashId,
				"dump":     name,
				"error":    err,
			}).Error("Can't save dump")
			removeFiles(dumps)
			return nil, nil, err
		}
		dumps[name] = path
		checksums[name] = sum
	}
	return dumps, checksums, nil
}

func saveFile(header *multipart.FileHeader, path string) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}

	hash := sha256.New()
	_, err = io.Copy(io.MultiWriter(dst, hash), src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func (m *GinCollectorService) saveRawCrash(crashId string, raw crash.Document) (string, error) {
	data, err := raw.Json()
	if err != nil {
		log.WithError(err).Error("Can't serialize raw crash")
		return "", err
	}

	path := filepath.Join(m.conf.CrashesDir(), crashId+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.WithFields(log.Fields{
			"crash_id": crashId,
			"error":    err,
		}).Error("Can't save raw crash")
		return "", err
	}
	return path, nil
}

func removeFiles(files map[string]string) {
	for _, path := range files {
		if err := os.Remove(path); err != nil {
			log.WithFields(log.Fields{
				"path":  path,
				"error": err,
			}).Warning("Can't remove file")
		}
	}
}
