package transfer

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/apod-cache/internal/apperr"
)

// ftpTransport retrieves files over FTP. Resumed transfers use REST via
// RetrFrom; the file's modification time serves as the validator.
type ftpTransport struct {
	timeout time.Duration
}

type ftpTarget struct {
	host     string
	path     string
	user     string
	password string
}

// parseFTPURL extracts host (with port), path and credentials from an FTP
// URL. Credentials default to anonymous.
func parseFTPURL(rawURL string) (ftpTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ftpTarget{}, eris.Wrap(err, "parse ftp url")
	}
	if u.Scheme != "ftp" {
		return ftpTarget{}, eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}

	t := ftpTarget{host: u.Host, path: u.Path, user: "anonymous", password: "anonymous@"}
	if _, _, splitErr := net.SplitHostPort(t.host); splitErr != nil {
		t.host = net.JoinHostPort(t.host, "21")
	}
	if t.path == "" || t.path == "/" {
		return ftpTarget{}, eris.New("empty path in ftp url")
	}
	if u.User != nil {
		t.user = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			t.password = pw
		}
	}
	return t, nil
}

// ftpConnReader closes the FTP response and the connection together.
type ftpConnReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpConnReader) Read(p []byte) (int, error) {
	return r.resp.Read(p)
}

func (r *ftpConnReader) Close() error {
	respErr := r.resp.Close()
	quitErr := r.conn.Quit()
	if respErr != nil {
		return eris.Wrap(respErr, "close ftp response")
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "quit ftp connection")
	}
	return nil
}

func (f *ftpTransport) open(ctx context.Context, tr transferRequest) (*transferResponse, error) {
	target, err := parseFTPURL(tr.URL)
	if err != nil {
		return nil, apperr.Network("ftp: open", err)
	}

	zap.L().Debug("ftp: connecting",
		zap.String("host", target.host),
		zap.String("path", target.path),
		zap.Int64("offset", tr.Offset),
	)

	conn, err := ftp.Dial(target.host, ftp.DialWithTimeout(f.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, apperr.Network("ftp: open", eris.Wrap(err, "ftp dial"))
	}

	if err := conn.Login(target.user, target.password); err != nil {
		_ = conn.Quit()
		return nil, apperr.Network("ftp: open", eris.Wrap(err, "ftp login"))
	}

	total := UnknownLength
	if size, sizeErr := conn.FileSize(target.path); sizeErr == nil {
		total = size
	}
	validator := ""
	if mt, mtErr := conn.GetTime(target.path); mtErr == nil {
		validator = mt.UTC().Format(time.RFC3339)
	}

	offset := tr.Offset
	if offset > 0 && tr.Validator != "" && validator != "" && validator != tr.Validator {
		// Remote file changed since the partial download; start over.
		offset = 0
	}
	if offset > 0 && total >= 0 && offset > total {
		offset = 0
	}

	resp, err := conn.RetrFrom(target.path, uint64(offset))
	if err != nil {
		_ = conn.Quit()
		return nil, apperr.Network("ftp: open", eris.Wrap(err, "ftp retrieve"))
	}

	return &transferResponse{
		Body:      &ftpConnReader{resp: resp, conn: conn},
		Offset:    offset,
		Total:     total,
		Validator: validator,
		Resumable: true,
	}, nil
}
