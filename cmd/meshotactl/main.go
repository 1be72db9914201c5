// Command meshotactl is the operator CLI for a meshota root node: it
// drives the same telnet admin console package/console exposes, plus a
// local UF2-inspect subcommand that needs no device connection at all.
// Connection/auth/env handling (telnet dial, password resolution, IAC
// stripping) stays generic plumbing; firmware distribution itself is
// mesh-internal, triggered by "distribute <url>" on the console rather
// than a binary push from this CLI.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"openenterprise/meshota/firmware"
)

const (
	defaultPort    = "23"
	defaultTimeout = 10 * time.Second
	readTimeout    = 5 * time.Second
)

func main() {
	loadEnvFile()

	host := flag.String("host", "", "root node IP address (required, unless using uf2-info)")
	port := flag.String("port", defaultPort, "console port")
	cmd := flag.String("cmd", "", "single command to execute (interactive mode if empty)")
	password := flag.String("password", "", "console password (or MESHOTA_PASSWORD env var)")
	flag.Parse()

	if *cmd == "" && flag.NArg() > 0 && flag.Arg(0) == "uf2-info" {
		path := ""
		if flag.NArg() > 1 {
			path = flag.Arg(1)
		}
		if err := uf2Info(path); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *host == "" {
		if flag.NArg() > 0 {
			*host = flag.Arg(0)
		} else {
			printUsage()
			os.Exit(1)
		}
	}
	if *cmd == "" && flag.NArg() > 1 {
		*cmd = strings.Join(flag.Args()[1:], " ")
	}

	pass := getPassword(*password)
	addr := net.JoinHostPort(*host, *port)

	var err error
	if *cmd != "" {
		err = runCommand(addr, *cmd, pass)
	} else {
		err = interactive(addr, pass)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("usage: meshotactl <host> [command]")
	fmt.Println("       meshotactl uf2-info <file.uf2>")
	fmt.Println()
	fmt.Println("console commands: status version net ota-status distribute <url> reboot rollback-status")
}

func uf2Info(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read firmware: %w", err)
	}
	info, err := firmware.ReadFirstBlockInfo(data)
	if err != nil {
		return fmt.Errorf("parse uf2: %w", err)
	}
	img, err := firmware.ExtractUF2(data)
	if err != nil {
		return fmt.Errorf("extract uf2: %w", err)
	}
	fmt.Printf("family ID:    0x%08x\n", info.FamilyID)
	fmt.Printf("target addr:  0x%08x\n", info.TargetAddr)
	fmt.Printf("block count:  %d\n", info.BlockCount)
	fmt.Printf("payload size: %d bytes\n", len(img.Data))
	return nil
}

func runCommand(addr, cmd, password string) error {
	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()

	if err := authenticate(conn, password); err != nil {
		return err
	}
	consumeUntilPrompt(conn)

	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	response := make([]byte, 4096)
	n, _ := conn.Read(response)

	output := strings.TrimSpace(strings.TrimSuffix(string(response[:n]), "> "))
	fmt.Println(output)
	return nil
}

func interactive(addr, password string) error {
	fmt.Printf("connecting to %s...\n", addr)
	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()

	if err := authenticate(conn, password); err != nil {
		return err
	}
	fmt.Println("connected. type 'quit' or Ctrl+C to exit.")
	fmt.Println()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	welcome := make([]byte, 1024)
	n, _ := conn.Read(welcome)
	fmt.Print(string(welcome[:n]))

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "quit" || input == "exit" {
			fmt.Println("goodbye")
			return nil
		}

		if _, err := conn.Write([]byte(input + "\r\n")); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		response := make([]byte, 4096)
		n, err := conn.Read(response)
		if err != nil {
			fmt.Println("connection lost, reconnecting...")
			conn.Close()
			conn, err = net.DialTimeout("tcp", addr, defaultTimeout)
			if err != nil {
				return fmt.Errorf("reconnect failed: %w", err)
			}
			if err := authenticate(conn, password); err != nil {
				return fmt.Errorf("reconnect auth failed: %w", err)
			}
			consumeUntilPrompt(conn)
			continue
		}
		output := strings.TrimSpace(strings.TrimSuffix(string(response[:n]), "> "))
		if output != "" {
			fmt.Println(output)
		}
	}
	return nil
}

func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

func getPassword(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPass := os.Getenv("MESHOTA_PASSWORD"); envPass != "" {
		return envPass
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err == nil && len(password) > 0 {
			return string(password)
		}
	}
	return ""
}

func authenticate(conn net.Conn, password string) error {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	prompt := make([]byte, 64)
	n, err := conn.Read(prompt)
	if err != nil {
		return fmt.Errorf("read prompt failed: %w", err)
	}
	promptStr := string(stripTelnetIAC(prompt[:n]))
	if !strings.Contains(strings.ToLower(promptStr), "password") {
		return fmt.Errorf("unexpected prompt: %s", promptStr)
	}
	if _, err := conn.Write([]byte(password + "\r\n")); err != nil {
		return fmt.Errorf("send password failed: %w", err)
	}
	return nil
}

func stripTelnetIAC(data []byte) []byte {
	result := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if data[i] == 0xFF && i+1 < len(data) {
			cmd := data[i+1]
			if cmd >= 0xFB && cmd <= 0xFE && i+2 < len(data) {
				i += 3
			} else {
				i += 2
			}
		} else {
			result = append(result, data[i])
			i++
		}
	}
	return result
}

func consumeUntilPrompt(conn net.Conn) {
	buf := make([]byte, 256)
	accumulated := ""
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			accumulated += string(stripTelnetIAC(buf[:n]))
			if strings.Contains(accumulated, "> ") {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
