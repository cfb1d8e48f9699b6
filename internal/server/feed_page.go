package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const feedPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Live Feed · WeddingLK Payments</title>
    <link rel="icon" href="data:image/svg+xml,<svg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 100 100'><text y='.9em' font-size='90'>◉</text></svg>">
    <link rel="preconnect" href="https://fonts.googleapis.com">
    <link rel="preconnect" href="https://fonts.gstatic.com" crossorigin>
    <link href="https://fonts.googleapis.com/css2?family=Inter:wght@400;500;600&family=JetBrains+Mono:wght@400;500&display=swap" rel="stylesheet">
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        :root {
            --bg: #09090b; --bg-subtle: #18181b; --border: #27272a;
            --text: #fafafa; --text-secondary: #a1a1aa; --text-tertiary: #52525b;
            --accent: #22c55e; --warn: #f59e0b; --danger: #ef4444;
        }
        body {
            font-family: 'Inter', -apple-system, sans-serif;
            background: var(--bg); color: var(--text);
            min-height: 100vh; font-size: 14px;
            -webkit-font-smoothing: antialiased;
        }
        .mono { font-family: 'JetBrains Mono', monospace; }
        .container { max-width: 800px; margin: 0 auto; padding: 0 24px; }
        header {
            border-bottom: 1px solid var(--border); padding: 16px 0;
            position: sticky; top: 0; background: var(--bg); z-index: 100;
        }
        .header-inner { display: flex; justify-content: space-between; align-items: center; }
        .logo { display: flex; align-items: center; gap: 10px; text-decoration: none; color: var(--text); }
        .logo-mark { width: 24px; height: 24px; background: var(--accent); border-radius: 6px; }
        .logo-text { font-weight: 600; font-size: 15px; }

        .feed-header {
            padding: 48px 0 24px;
            display: flex; justify-content: space-between; align-items: flex-end;
            border-bottom: 1px solid var(--border);
        }
        .feed-title { font-size: 24px; font-weight: 600; margin-bottom: 4px; }
        .feed-desc { color: var(--text-secondary); }
        .live-badge {
            display: flex; align-items: center; gap: 8px;
            background: var(--bg-subtle); border: 1px solid var(--border);
            padding: 8px 14px; border-radius: 20px; font-size: 13px; color: var(--text-secondary);
        }
        .live-dot {
            width: 8px; height: 8px; background: var(--accent); border-radius: 50%;
            animation: pulse 2s ease-in-out infinite;
        }
        .live-dot.off { background: var(--danger); animation: none; }
        @keyframes pulse { 0%, 100% { opacity: 1; } 50% { opacity: 0.4; } }

        .ev-list { padding: 0; }
        .ev {
            display: grid; grid-template-columns: 1fr auto;
            gap: 16px; padding: 20px 0; border-bottom: 1px solid var(--border);
            align-items: start;
        }
        .ev.new { animation: slideIn 0.3s ease-out; }
        @keyframes slideIn { from { opacity: 0; transform: translateY(-8px); } to { opacity: 1; transform: translateY(0); } }

        .ev-parties { display: flex; align-items: center; gap: 10px; margin-bottom: 8px; flex-wrap: wrap; }
        .ev-party {
            background: var(--bg-subtle); padding: 6px 12px; border-radius: 6px;
            font-weight: 500; font-size: 13px;
        }
        .ev-arrow { color: var(--text-tertiary); }
        .ev-meta { color: var(--text-secondary); font-size: 13px; display: flex; align-items: center; gap: 8px; }
        .ev-type {
            background: var(--bg); border: 1px solid var(--border);
            padding: 2px 8px; border-radius: 4px; font-size: 11px;
            text-transform: uppercase; color: var(--text-tertiary);
        }
        .ev-type.release { color: var(--accent); }
        .ev-type.refund { color: var(--warn); }
        .ev-type.dispute { color: var(--danger); }
        .ev-right { text-align: right; }
        .ev-amount { font-size: 18px; font-weight: 600; color: var(--accent); }
        .ev-time { font-size: 12px; color: var(--text-tertiary); margin-top: 4px; }

        .empty { text-align: center; padding: 80px 24px; color: var(--text-tertiary); }
        footer { border-top: 1px solid var(--border); padding: 24px 0; margin-top: 48px; text-align: center; color: var(--text-tertiary); font-size: 13px; }
        footer a { color: var(--text-secondary); text-decoration: none; margin: 0 12px; }
    </style>
</head>
<body>
    <header><div class="container header-inner">
        <a href="/feed" class="logo"><div class="logo-mark"></div><span class="logo-text">WeddingLK Payments</span></a>
    </div></header>
    <main class="container">
        <div class="feed-header">
            <div>
                <h1 class="feed-title">Escrow Event Feed</h1>
                <p class="feed-desc">Payment lifecycle events in real-time</p>
            </div>
            <div class="live-badge"><span class="live-dot" id="dot"></span> <span id="conn">Connecting</span></div>
        </div>
        <div class="ev-list" id="feed"><div class="empty">Waiting for events...</div></div>
    </main>
    <footer><div class="container"><a href="/health">Health</a><a href="/metrics">Metrics</a><a href="/api">API</a></div></footer>
    <script>
        const fmtAmount = (minor, cur) => {
            if (minor == null) return '';
            const v = (minor / 100).toFixed(2);
            return v + ' ' + (cur || '').toUpperCase();
        };
        const timeAgo = ts => {
            const diff = Math.floor((Date.now() - new Date(ts).getTime()) / 1000);
            if (diff < 5) return 'now';
            if (diff < 60) return diff + 's ago';
            if (diff < 3600) return Math.floor(diff/60) + 'm ago';
            return Math.floor(diff/3600) + 'h ago';
        };

        const events = [];
        function render() {
            const el = document.getElementById('feed');
            if (!events.length) {
                el.innerHTML = '<div class="empty">Waiting for events...</div>';
                return;
            }
            el.innerHTML = events.map((ev, i) => {
                const d = ev.data || {};
                return '<div class="ev'+(i === 0 ? ' new' : '')+'">'+
                    '<div>'+
                        '<div class="ev-parties">'+
                            '<span class="ev-party mono">'+(d.payerId||'?')+'</span>'+
                            '<span class="ev-arrow">→</span>'+
                            '<span class="ev-party mono">'+(d.payeeId||'?')+'</span>'+
                        '</div>'+
                        '<div class="ev-meta"><span class="ev-type '+ev.type+'">'+ev.type+'</span>'+
                            '<span class="mono">'+(d.entryId||'')+'</span>'+
                            (d.status ? '<span>'+d.status+'</span>' : '')+
                        '</div>'+
                    '</div>'+
                    '<div class="ev-right">'+
                        '<div class="ev-amount mono">'+fmtAmount(d.amount, d.currency)+'</div>'+
                        '<div class="ev-time">'+timeAgo(ev.timestamp)+'</div>'+
                    '</div>'+
                '</div>';
            }).join('');
        }

        function connect() {
            const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const ws = new WebSocket(proto + location.host + '/ws');
            ws.onopen = () => {
                document.getElementById('conn').textContent = 'Live';
                document.getElementById('dot').classList.remove('off');
                ws.send(JSON.stringify({allEvents: true}));
            };
            ws.onmessage = msg => {
                try {
                    const ev = JSON.parse(msg.data);
                    events.unshift(ev);
                    if (events.length > 50) events.pop();
                    render();
                } catch (e) {}
            };
            ws.onclose = () => {
                document.getElementById('conn').textContent = 'Reconnecting';
                document.getElementById('dot').classList.add('off');
                setTimeout(connect, 3000);
            };
        }

        connect();
        setInterval(render, 15000);
    </script>
</body>
</html>`

func feedPageHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, feedPageHTML)
}
