package handlers

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// VoiceHandler answers the provider's inbound-call webhook with TwiML that
// connects the call's media stream to this bridge.
type VoiceHandler struct {
	Logger *slog.Logger

	// PublicHost overrides the host in the stream URL; when empty the request
	// Host is used, which works behind most tunnels and load balancers.
	PublicHost string

	// Greeting is spoken before the stream connects. Optional.
	Greeting string

	// StreamPath is the websocket route the TwiML points at.
	StreamPath string
}

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     string        `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := strings.TrimSpace(h.PublicHost)
	if host == "" {
		host = r.Host
	}
	path := h.StreamPath
	if path == "" {
		path = "/call-stream"
	}

	doc := twimlResponse{
		Say: h.Greeting,
		Connect: &twimlConnect{
			Stream: twimlStream{URL: fmt.Sprintf("wss://%s%s", host, path)},
		},
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if h.Logger != nil {
		h.Logger.Info("inbound call webhook", "host", host, "from", r.PostFormValue("From"), "callSid", r.PostFormValue("CallSid"))
	}

	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}
