package presence

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateDeviceID はpathに保存された端末IDを返す。
// ファイルが存在しないか空の場合はランダムなUUIDを生成して保存する。
// 同じpathに対しては常に同じ端末IDを返す。
func LoadOrCreateDeviceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return "", fmt.Errorf("端末IDファイルの読み込みに失敗しました: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("端末IDディレクトリの作成に失敗しました: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("端末IDファイルの書き込みに失敗しました: %w", err)
	}
	return id, nil
}

// DefaultDeviceIDPath は端末IDファイルのデフォルトの保存先を返す。
// ユーザー設定ディレクトリが取得できない場合はカレントディレクトリを使用する。
func DefaultDeviceIDPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".devicegate_device_id"
	}
	return filepath.Join(dir, "devicegate", "device_id")
}
