package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kychandar/changecast/config"
	slogzap "github.com/samber/slog-zap/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	cfgFile string
	env     string
	rootCmd = &cobra.Command{
		Use:          "changecast",
		Short:        "Pushes resource change notifications to subscribed clients over websockets",
		SilenceUsage: true,
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or ./config/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&env, "env", os.Getenv("CHANGECAST_ENV"), "environment; merges config.<env>.yaml over the main file")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile, env)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func parseLevel(level string) (zapcore.Level, slog.Level) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, slog.LevelDebug
	case "warn", "warning":
		return zapcore.WarnLevel, slog.LevelWarn
	case "error":
		return zapcore.ErrorLevel, slog.LevelError
	default:
		return zapcore.InfoLevel, slog.LevelInfo
	}
}

// NewAsyncLogger writes JSON to a rotated file at level and errors to the console.
// The returned func flushes both buffers.
func NewAsyncLogger(file string, level string) (*slog.Logger, func()) {
	zapLevel, slogLevel := parseLevel(level)

	fileWriter := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    100, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	consoleEncoderConfig := encoderConfig
	consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	bufferedFileWriter := &zapcore.BufferedWriteSyncer{
		WS:            zapcore.AddSync(fileWriter),
		Size:          256 * 1024,
		FlushInterval: 5 * time.Second,
	}
	bufferedConsoleWriter := &zapcore.BufferedWriteSyncer{
		WS:            zapcore.AddSync(os.Stdout),
		Size:          64 * 1024,
		FlushInterval: time.Second,
	}

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), bufferedFileWriter, zapLevel),
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderConfig), bufferedConsoleWriter, zapcore.ErrorLevel),
	)

	zapLogger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	handler := slogzap.Option{
		Level:  slogLevel,
		Logger: zapLogger,
	}.NewZapHandler()

	return slog.New(handler), func() {
		_ = zapLogger.Sync()
		_ = bufferedFileWriter.Stop()
		_ = bufferedConsoleWriter.Stop()
		_ = fileWriter.Close()
	}
}

func SetupLogger(cfg *config.Config) (*slog.Logger, func()) {
	return NewAsyncLogger(cfg.Log.File, cfg.Log.Level)
}
