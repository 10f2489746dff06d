// Package httpapi 数据提供方的 HTTP 路由
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// keyPattern 会话 key 的路径变量；不含点号，避免与 export.xlsx 冲突
const keyPattern = "{key:[A-Za-z0-9]{1,6}}"

// NewRouter 注册全部路由；ws 为推送连接入口，可为 nil
func NewRouter(v *VitalsHandler, ws http.Handler, logger *zap.Logger) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", v.Health).Methods(http.MethodGet)

	r.HandleFunc("/data", v.GetData).Methods(http.MethodGet)
	r.HandleFunc("/data/export.xlsx", v.ExportData).Methods(http.MethodGet)
	r.HandleFunc("/data/history", v.GetHistory).Methods(http.MethodGet)
	r.HandleFunc("/data/"+keyPattern, v.GetData).Methods(http.MethodGet)
	r.HandleFunc("/data/"+keyPattern+"/export.xlsx", v.ExportData).Methods(http.MethodGet)
	r.HandleFunc("/data/"+keyPattern+"/history", v.GetHistory).Methods(http.MethodGet)

	r.HandleFunc("/sessions", v.ListSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions", v.CreateSession).Methods(http.MethodPost)

	if ws != nil {
		r.Handle("/ws", ws)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		logger.Debug("Route not found", zap.String("path", req.URL.Path))
		writeError(w, http.StatusNotFound, "not found")
	})

	return cors(r)
}
