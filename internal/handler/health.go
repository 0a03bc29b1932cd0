package handler

import "net/http"

// Health はプロセスの稼働確認に応答する。上流には問い合わせない。
// GET /health
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
