// Package logger はJSON構造化ログのslog.Loggerを構成する。
package logger

import (
	"io"
	"log/slog"
	"os"
)

// ServiceName はすべてのログに付与するサービス名。
const ServiceName = "ohq"

// Setup はwへJSONで出力するslog.Loggerを生成する。
// levelより低いレベルのログは出力しない。全エントリにservice属性を付ける。
func Setup(w io.Writer, level slog.Leveler) *slog.Logger {
	if level == nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(slog.String("service", ServiceName))
}

// SetupDefault はSetupで生成したロガーをグローバルロガーとして設定し、それを返す。
// wがnilの場合はos.Stdoutに出力する。
func SetupDefault(w io.Writer, level slog.Leveler) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	l := Setup(w, level)
	slog.SetDefault(l)
	return l
}
