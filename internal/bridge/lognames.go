package bridge

import (
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
)

// DefaultLogFileNameFormat names the raw log of a bridge after its creation
// minute and instance identifier.
const DefaultLogFileNameFormat = "{0:%Y_%m_%d_%H_%M}_{1}.log.bin"

const defaultTimestampLayout = "%Y_%m_%d_%H_%M_%S"

// FormatLogName expands a log file name template. {0} is the timestamp,
// optionally with a strftime layout as in {0:%Y%m%d}; {1} is the instance
// identifier; {{ and }} are literal braces. Unknown placeholders are kept
// verbatim. A layout without any % is read as a .NET custom date format
// such as {0:yyyy_MM_dd_HH_mm}, which older config files use.
func FormatLogName(tmpl string, ts time.Time, instance string) string {
	if tmpl == "" {
		tmpl = DefaultLogFileNameFormat
	}
	var sb strings.Builder
	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		switch {
		case c == '{' && strings.HasPrefix(tmpl[i:], "{{"):
			sb.WriteByte('{')
			i += 2
		case c == '}' && strings.HasPrefix(tmpl[i:], "}}"):
			sb.WriteByte('}')
			i += 2
		case c == '{':
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				sb.WriteString(tmpl[i:])
				return sb.String()
			}
			token := tmpl[i+1 : i+end]
			idx, layout, _ := strings.Cut(token, ":")
			switch idx {
			case "0":
				switch {
				case layout == "":
					layout = defaultTimestampLayout
				case !strings.Contains(layout, "%"):
					layout = dotnetLayout(layout)
				}
				sb.WriteString(strftime.Format(layout, ts))
			case "1":
				sb.WriteString(instance)
			default:
				sb.WriteString(tmpl[i : i+end+1])
			}
			i += end + 1
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return sb.String()
}

// dotnetLayout converts a .NET custom date and time format string to a
// strftime layout. Fractional seconds are rounded up to milli, micro or
// nanosecond precision. Quoted text and backslash escapes stay literal.
func dotnetLayout(layout string) string {
	var sb strings.Builder
	for i := 0; i < len(layout); {
		c := layout[i]
		switch c {
		case '\'', '"':
			end := strings.IndexByte(layout[i+1:], c)
			if end < 0 {
				end = len(layout) - i - 1
			}
			writeLiteral(&sb, layout[i+1:i+1+end])
			i += end + 2
			continue
		case '\\':
			if i+1 < len(layout) {
				writeLiteral(&sb, layout[i+1:i+2])
			}
			i += 2
			continue
		}
		n := 1
		for i+n < len(layout) && layout[i+n] == c {
			n++
		}
		i += n
		switch c {
		case 'y':
			if n >= 3 {
				sb.WriteString("%Y")
			} else {
				sb.WriteString("%y")
			}
		case 'M':
			sb.WriteString(pick(n, "%m", "%m", "%b", "%B"))
		case 'd':
			sb.WriteString(pick(n, "%d", "%d", "%a", "%A"))
		case 'H':
			sb.WriteString("%H")
		case 'h':
			sb.WriteString("%I")
		case 'm':
			sb.WriteString("%M")
		case 's':
			sb.WriteString("%S")
		case 't':
			sb.WriteString("%p")
		case 'f', 'F':
			switch {
			case n <= 3:
				sb.WriteString("%L")
			case n <= 6:
				sb.WriteString("%f")
			default:
				sb.WriteString("%N")
			}
		default:
			writeLiteral(&sb, strings.Repeat(string(c), n))
		}
	}
	return sb.String()
}

// pick returns the form for a run of n repeated specifier letters; runs
// longer than the table use its last entry.
func pick(n int, forms ...string) string {
	return forms[min(n, len(forms))-1]
}

func writeLiteral(sb *strings.Builder, s string) {
	sb.WriteString(strings.ReplaceAll(s, "%", "%%"))
}
