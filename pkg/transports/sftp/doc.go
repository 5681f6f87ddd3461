// Package sftp provisions transfer directories on an SFTP server. Each
// resource definition of type "sftp" becomes a directory below
// <base_dir>/<process id> whose location is returned as an SFTP data
// address, and is removed again when the process is deprovisioned.
package sftp
