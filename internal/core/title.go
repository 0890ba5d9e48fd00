package core

// scanTerminalTitle scans a PTY output payload for OSC 0/2 title
// sequences (ESC ] {0|2} ; title BEL, or ESC ] {0|2} ; title ESC \)
// and returns the last complete one. The result is advisory only; the
// server is not a terminal emulator and sequences split across
// payloads are simply not observed. Single linear pass.
func scanTerminalTitle(data []byte) (string, bool) {
	var title string
	found := false

	for i := 0; i+4 < len(data); i++ {
		if data[i] != 0x1b || data[i+1] != ']' {
			continue
		}
		if data[i+2] != '0' && data[i+2] != '2' {
			continue
		}
		if data[i+3] != ';' {
			continue
		}
		start := i + 4
		for j := start; j < len(data); j++ {
			if data[j] == 0x07 { // BEL terminator
				title = string(data[start:j])
				found = true
				i = j
				break
			}
			if data[j] == 0x1b { // ST terminator is ESC \
				if j+1 < len(data) && data[j+1] == '\\' {
					title = string(data[start:j])
					found = true
					i = j + 1
				}
				break
			}
		}
	}
	return title, found
}
