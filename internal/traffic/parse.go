package traffic

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	transferPartRe = regexp.MustCompile(`([\d.]+)\s*(\w+)`)
	limitRe        = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*(B|KB|MB|GB|TB|KiB|MiB|GiB|TiB)$`)
)

// ParseTransfer разбирает строку transfer из `wg show`:
// "1.21 MiB received, 310.55 KiB sent" -> (входящие, исходящие) в байтах.
func ParseTransfer(s string) (in, out int64, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, nil
	}
	sep := ","
	if strings.Contains(s, "/") {
		sep = "/"
	}
	parts := strings.SplitN(s, sep, 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("unexpected transfer format %q", s)
	}
	if in, err = parseQuantity(parts[0]); err != nil {
		return 0, 0, err
	}
	if out, err = parseQuantity(parts[1]); err != nil {
		return 0, 0, err
	}
	return in, out, nil
}

func parseQuantity(s string) (int64, error) {
	m := transferPartRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("unexpected transfer quantity %q", s)
	}
	n, err := humanize.ParseBytes(m[1] + " " + m[2])
	if err != nil {
		// неизвестная единица считается байтами
		v, perr := strconv.ParseFloat(m[1], 64)
		if perr != nil {
			return 0, fmt.Errorf("unexpected transfer quantity %q: %w", s, err)
		}
		return int64(v), nil
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("transfer quantity %q overflows", s)
	}
	return int64(n), nil
}

// ParseLimit разбирает лимит трафика вида "10 GB" или "500MiB".
// KB/MB/GB/TB десятичные, KiB/MiB/GiB/TiB двоичные, регистр не важен.
func ParseLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	m := limitRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid traffic limit %q: expected number and unit B, KB, MB, GB or TB", s)
	}
	n, err := humanize.ParseBytes(m[1] + " " + m[2])
	if err != nil {
		return 0, fmt.Errorf("invalid traffic limit %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("traffic limit must be positive")
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("traffic limit %q is too large", s)
	}
	return int64(n), nil
}

// FormatBytes выводит размер в десятичных единицах, как задаются лимиты
func FormatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// ParseHandshakeAge разбирает "latest handshake" из `wg show`, например
// "1 minute, 3 seconds ago". Для "never" и пустой строки возвращает false.
func ParseHandshakeAge(s string) (time.Duration, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "never", "-", "(none)":
		return 0, false
	case "now":
		return 0, true
	}

	var age time.Duration
	for _, part := range strings.Split(strings.TrimSuffix(s, " ago"), ",") {
		fields := strings.Fields(part)
		if len(fields) != 2 {
			return 0, false
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, false
		}
		d := time.Duration(n)
		unit := fields[1]
		switch {
		case strings.HasPrefix(unit, "second"):
			age += d * time.Second
		case strings.HasPrefix(unit, "minute"):
			age += d * time.Minute
		case strings.HasPrefix(unit, "hour"):
			age += d * time.Hour
		case strings.HasPrefix(unit, "day"):
			age += d * 24 * time.Hour
		case strings.HasPrefix(unit, "week"):
			age += d * 7 * 24 * time.Hour
		case strings.HasPrefix(unit, "month"):
			age += d * 30 * 24 * time.Hour
		case strings.HasPrefix(unit, "year"):
			age += d * 365 * 24 * time.Hour
		default:
			return 0, false
		}
	}
	return age, true
}
