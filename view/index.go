package view

import (
	"html/template"
	"net/http"
)

const indexTemplate = `<!DOCTYPE html>
<html>
<head>
    <title>loralink node</title>
    <style>
        body {
            font-family: Arial, sans-serif;
            max-width: 700px;
            margin: 50px auto;
            padding: 20px;
            background-color: #f5f5f5;
        }
        .container {
            background-color: white;
            padding: 30px;
            border-radius: 8px;
            box-shadow: 0 2px 4px rgba(0,0,0,0.1);
        }
        h1 {
            color: #333;
            border-bottom: 2px solid #4CAF50;
            padding-bottom: 10px;
        }
        .info-row {
            display: flex;
            padding: 10px 0;
            border-bottom: 1px solid #eee;
        }
        .info-label {
            font-weight: bold;
            width: 220px;
            color: #555;
        }
        .info-value {
            color: #333;
        }
    </style>
</head>
<body>
    <div class="container">
        <h1>loralink node</h1>
        <div class="info-row"><div class="info-label">Mode</div><div class="info-value" id="mode"></div></div>
        <div class="info-row"><div class="info-label">Radio</div><div class="info-value" id="params"></div></div>
        <div class="info-row"><div class="info-label">Ping seq</div><div class="info-value" id="pingSeq"></div></div>
        <div class="info-row"><div class="info-label">Packets sent / received</div><div class="info-value" id="packets"></div></div>
        <div class="info-row"><div class="info-label">TX / RX errors</div><div class="info-value" id="errors"></div></div>
        <div class="info-row"><div class="info-label">Last RSSI / SNR</div><div class="info-value" id="signal"></div></div>
        <div class="info-row"><div class="info-label">Update</div><div class="info-value" id="ota"></div></div>
        <div class="info-row"><div class="info-label">Firmware</div><div class="info-value" id="firmware"></div></div>
    </div>
    <script>
        function render(s) {
            document.getElementById('mode').textContent = s.sender ? 'sender' : 'receiver';
            document.getElementById('params').textContent =
                s.params.freq.toFixed(1) + ' MHz  BW' + s.params.bw +
                '  SF' + s.params.sf + '  CR' + s.params.cr +
                '  ' + s.params.tx + ' dBm';
            document.getElementById('pingSeq').textContent = s.pingSeq;
            document.getElementById('packets').textContent = s.packetsSent + ' / ' + s.packetsReceived;
            document.getElementById('errors').textContent = s.txErrors + ' / ' + s.rxErrors;
            document.getElementById('signal').textContent = s.lastRssi + ' dBm / ' + s.lastSnr + ' dB';
            document.getElementById('ota').textContent = s.otaState + ' (' + s.otaProgress + '%)';
            document.getElementById('firmware').textContent = s.firmware || 'none';
        }
        fetch('/api/status').then(function(r) { return r.json(); }).then(render);
        var ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
        ws.onmessage = function(ev) { render(JSON.parse(ev.data)); };
    </script>
</body>
</html>
`

var indexTmpl = template.Must(template.New("index").Parse(indexTemplate))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTmpl.Execute(w, nil); err != nil {
		s.log.Warn("render index failed", "err", err)
	}
}
