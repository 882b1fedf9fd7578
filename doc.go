// Package ftp implements the control connection of an interactive FTP
// client: connecting through proxies, logging in with retries, sending
// commands and keeping an idle connection alive.
//
// # Overview
//
// A ControlConnection owns one connection to an FTP server. It provides:
//   - Connect and login driven by proxy scripts (direct, SOCKS4/4A/5,
//     HTTP CONNECT and the classic FTP proxy variants)
//   - Bounded reconnect retries with a delay and a user prompt on login
//     failures
//   - Explicit TLS (AUTH TLS) with session reuse for data connections
//   - MODE Z compression of data transfers
//   - A per-connection transcript of every command and reply
//   - Keep-alive commands sent while the user is idle
//
// # Basic Usage
//
//	conn, err := ftp.New(&ftp.ConnectionParameters{
//	    Host:     "ftp.example.com",
//	    User:     "anonymous",
//	    Password: []byte("guest@example.com"),
//	    Passive:  true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	res, err := conn.StartControlConnection(ctx, ftp.StartOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("logged in, working directory", res.WorkingDir)
//
// # User Interaction
//
// Prompts (login failures, certificate checks, retry waits) go through the
// UserInterface given with WithUserInterface. AutoUI answers every prompt
// without asking and is the default.
//
// # Proxies
//
// ConnectionParameters.Proxy selects the proxy server. Tunnel proxies
// (SOCKS and HTTP) carry both the control and the data connections, so
// passive mode is forced for them. FTP proxies log in to the proxy first
// and then pass the target host in a command such as SITE or OPEN.
//
// # Error Handling
//
// Replies that do not match the expected code are returned as
// *ProtocolError. SendCommand returns the reply whatever its code. Connect
// failures are *ConnectError and proxy handshake failures are *ProxyError:
//
//	if _, err := conn.Retrieve(ctx, "file.txt", w, ftp.TransferOptions{}); err != nil {
//	    var pe *ftp.ProtocolError
//	    if errors.As(err, &pe) {
//	        fmt.Printf("Command: %s\n", pe.Command)
//	        fmt.Printf("Response: %s\n", pe.Response)
//	        fmt.Printf("Code: %d\n", pe.Code)
//	    }
//	}
package ftp
