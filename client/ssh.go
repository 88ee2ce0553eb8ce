package client

import "golang.org/x/crypto/ssh"

// SSHSigner wraps k as an ssh.Signer, so it can be installed as an SSH
// server's host key (ssh.ServerConfig.AddHostKey) or a client's
// authentication key without the private exponent ever entering the SSH
// server process. This is a fitting extra consumer for privsep given its
// own lineage: OpenSSH is itself the origin of the privilege-separation
// architecture this codebase implements, just applied here to the
// SSH transport's key material instead of the SSH daemon's request
// parsing.
func SSHSigner(k *Key) (ssh.Signer, error) {
	return ssh.NewSignerFromSigner(k)
}
