// internal/app/helpers.go
package app

import (
	"log"
	"strings"
	"time"
)

// NormalizeLocalAPI ensures the local API only binds to localhost
// and returns listen addr, browser URL, and TCP check addr.
func NormalizeLocalAPI(cfgAddr string) (listenAddr string, url string, tcpAddr string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	listenAddr = a
	url = "http://" + a
	tcpAddr = a
	return
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func logBanner(role, peerDir, cfgPath string) {
	log.Println("────────────────────────────────────────")
	log.Printf("goopcall %s", role)
	log.Printf(" Peer folder : %s", peerDir)
	log.Printf(" Config file : %s", cfgPath)
	log.Println("")
	log.Println(" The peer folder holds this user's keys and config.")
	log.Println(" Different folder/config = different user.")
	log.Println("────────────────────────────────────────")
}
