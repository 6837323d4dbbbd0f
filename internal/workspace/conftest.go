package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// CaptureDirEnv tells the capture conftest where to write screenshots and
	// network logs.
	CaptureDirEnv = "TESTFORGE_CAPTURE_DIR"

	conftestMarker = "# testforge-injected-conftest"
	pluginModule   = "conftest_testforge"
)

// InjectConftest installs the capture conftest at cwd. A conftest.py the
// project owns is left in place and imports ours as a plugin module instead.
// It reports the file that now holds the capture hooks.
func InjectConftest(cwd string) (string, error) {
	path := filepath.Join(cwd, "conftest.py")
	body := conftestMarker + "\n" + captureConftest

	existing, err := os.ReadFile(path)
	switch {
	case err == nil && !strings.HasPrefix(string(existing), conftestMarker+"\n"):
		plugin := filepath.Join(cwd, pluginModule+".py")
		if err := os.WriteFile(plugin, []byte(body), 0644); err != nil {
			return "", fmt.Errorf("failed to write capture plugin: %w", err)
		}
		if !strings.Contains(string(existing), pluginModule) {
			header := fmt.Sprintf("import %s  # noqa: F401  %s\n", pluginModule, conftestMarker)
			if err := os.WriteFile(path, append([]byte(header), existing...), 0644); err != nil {
				return "", fmt.Errorf("failed to update conftest: %w", err)
			}
		}
		return plugin, nil
	case err != nil && !os.IsNotExist(err):
		return "", err
	}

	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		return "", fmt.Errorf("failed to write conftest: %w", err)
	}
	return path, nil
}

// captureHooks records network traffic for tests using a Playwright page and
// screenshots failures, printing the sentinel lines the report parser reads.
const captureHooks = `
CAPTURE_DIR = Path(os.environ.get("` + CaptureDirEnv + `", ".testforge_capture"))
SCREENSHOT_DIR = CAPTURE_DIR / "screenshots"
NETWORK_DIR = CAPTURE_DIR / "network"


@pytest.hookimpl(hookwrapper=True)
def pytest_runtest_makereport(item, call):
    outcome = yield
    report = outcome.get_result()
    if report.when == "call":
        item.testforge_failed = report.failed


@pytest.fixture(autouse=True)
def _testforge_capture(request):
    network_requests: list[dict] = []
    page = None
    if "page" in request.fixturenames:
        page = request.getfixturevalue("page")

        def _on_request(req):
            network_requests.append({
                "url": req.url,
                "method": req.method,
                "resource_type": req.resource_type,
                "timestamp": datetime.now(timezone.utc).isoformat(),
            })

        def _on_response(resp):
            for entry in reversed(network_requests):
                if entry.get("url") == resp.url:
                    entry["status"] = resp.status
                    entry["content_type"] = resp.headers.get("content-type", "")
                    break

        page.on("request", _on_request)
        page.on("response", _on_response)

    yield

    test_name = request.node.name.replace(" ", "_").replace("/", "_")[:80]

    if network_requests:
        NETWORK_DIR.mkdir(parents=True, exist_ok=True)
        net_file = NETWORK_DIR / f"tf_{test_name}.json"
        net_file.write_text(json.dumps(network_requests, default=str))
        print(f"\n[testforge:network]{net_file}", flush=True)

    if getattr(request.node, "testforge_failed", False) and page is not None:
        SCREENSHOT_DIR.mkdir(parents=True, exist_ok=True)
        path = SCREENSHOT_DIR / f"tf_{test_name}.png"
        try:
            page.screenshot(path=str(path), full_page=True)
            print(f"\n[testforge:screenshot]{path}", flush=True)
        except Exception:
            pass
`

const captureImports = `from __future__ import annotations

import json
import os
from datetime import datetime, timezone
from pathlib import Path

import pytest
`

const captureConftest = `"""testforge capture conftest: screenshots and network logs for Playwright tests."""
` + captureImports + captureHooks

// e2eConftest skips browser tests when the frontend is down and shortens
// Playwright's default timeouts. Capture comes from the root conftest.
const e2eConftest = `"""Auto-generated testforge conftest for browser tests."""
from __future__ import annotations

import os
import socket
from urllib.parse import urlparse

import pytest

FRONTEND_URL = os.environ.get("FRONTEND_URL", "http://localhost:3000").rstrip("/")
_PLAYWRIGHT_TIMEOUT_MS = int(os.environ.get("PLAYWRIGHT_TIMEOUT_MS", "10000"))
_FRONTEND_REACHABLE: bool | None = None


def _check_frontend_tcp() -> bool:
    try:
        p = urlparse(FRONTEND_URL)
        host = p.hostname or "localhost"
        port = p.port or (443 if p.scheme == "https" else 80)
        with socket.create_connection((host, port), timeout=5):
            return True
    except Exception:
        return False


@pytest.fixture(autouse=True)
def _require_frontend(request):
    global _FRONTEND_REACHABLE
    if _FRONTEND_REACHABLE is None:
        _FRONTEND_REACHABLE = _check_frontend_tcp()
    if not _FRONTEND_REACHABLE:
        pytest.skip(f"Frontend not reachable at {FRONTEND_URL}")
    page = request.node.funcargs.get("page")
    if page is not None:
        page.set_default_timeout(_PLAYWRIGHT_TIMEOUT_MS)
        page.set_default_navigation_timeout(_PLAYWRIGHT_TIMEOUT_MS)
`
